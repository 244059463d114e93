/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides a typed, size-bounded LRU store with Prometheus metrics.
// Keyed rate limiters keep a sliding window and backlog slots per key in it.
package lrucache
