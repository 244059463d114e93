/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package interceptor provides gRPC interceptors that limit the rate of calls
// with the sliding window limiter and attach a request-scoped logger to the call context.
package interceptor
