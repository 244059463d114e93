/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package trafficlimit provides a lock-free sliding window rate limiter.
//
// The trailing second is split into ShardCount equal shards. Each shard is an immutable
// {tick, count} snapshot stored behind an atomic pointer and replaced with compare-and-swap,
// so concurrent callers never block and never observe a half-updated shard.
//
// An acquisition is recorded first and checked against the limit afterwards.
// A denied call still occupies its place in the current shard.
//
// Internal failures (clock moved backwards, CAS retries exhausted under contention) are not
// returned to the caller: they are logged, counted by the MetricsCollector, and reported as a denial.
//
// Key features:
//   - SlidingWindowLimiter for a single admission point
//   - KeyedLimiter for independent budgets per key with LRU-bounded memory
//   - Prometheus metrics for admission decisions and internal failures
//   - Config that can be loaded with config.Loader
package trafficlimit
