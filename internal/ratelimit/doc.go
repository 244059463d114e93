/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit contains the admission procedure shared by the HTTP middleware and the gRPC interceptors.
//
// RequestProcessor extracts the key of a request, asks the Limiter for admission and either executes
// the request or rejects it. When a backlog is configured, a denied request may wait for a free budget
// instead of being rejected immediately.
package ratelimit
