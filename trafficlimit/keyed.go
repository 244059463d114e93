/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package trafficlimit

import (
	"fmt"
	"time"

	"github.com/drizzlepal/go-trafficlimit/log"
	"github.com/drizzlepal/go-trafficlimit/lrucache"
)

// KeyLogFieldKey is the name of the logged field that contains a key of the limiter.
const KeyLogFieldKey = "rate_limit_key"

// KeyedLimiter keeps an independent SlidingWindowLimiter for every key.
// The number of tracked keys is bounded, the least recently used limiter is dropped first.
type KeyedLimiter struct {
	limit      int
	getLimiter func(key string) *SlidingWindowLimiter
}

// NewKeyedLimiter creates a new KeyedLimiter.
// If maxKeys is zero, all keys share the same limiter.
func NewKeyedLimiter(limit, maxKeys int, options ...SlidingWindowOption) (*KeyedLimiter, error) {
	if maxKeys < 0 {
		return nil, fmt.Errorf("max keys should not be negative, got %d", maxKeys)
	}

	if maxKeys == 0 {
		lim := NewSlidingWindowLimiter(limit, options...)
		return &KeyedLimiter{
			limit:      limit,
			getLimiter: func(_ string) *SlidingWindowLimiter { return lim },
		}, nil
	}

	opts := slidingWindowOptions{}
	for _, option := range options {
		option(&opts)
	}
	store, err := lrucache.New[string, *SlidingWindowLimiter](maxKeys, opts.keysMetrics)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &KeyedLimiter{
		limit: limit,
		getLimiter: func(key string) *SlidingWindowLimiter {
			lim, _ := store.GetOrAdd(key, func() *SlidingWindowLimiter {
				keyOptions := options
				if opts.logger != nil {
					keyOptions = append(append([]SlidingWindowOption{}, options...),
						WithLogger(opts.logger.With(log.String(KeyLogFieldKey, key))))
				}
				return NewSlidingWindowLimiter(limit, keyOptions...)
			})
			return lim
		},
	}, nil
}

// WithKeysMetricsCollector sets the collector of the per-key store of KeyedLimiter
// (tracked keys, lookups, evictions). SlidingWindowLimiter ignores it.
func WithKeysMetricsCollector(mc lrucache.MetricsCollector) SlidingWindowOption {
	return func(opts *slidingWindowOptions) {
		opts.keysMetrics = mc
	}
}

// NewKeyedLimiterFromConfig creates a new KeyedLimiter using the limit and the maximum number of keys from the config.
func NewKeyedLimiterFromConfig(cfg *Config, options ...SlidingWindowOption) (*KeyedLimiter, error) {
	return NewKeyedLimiter(cfg.Limit, cfg.MaxKeys, options...)
}

// TryAcquire tries to acquire a slot in the window of the given key.
func (kl *KeyedLimiter) TryAcquire(key string) bool {
	return kl.getLimiter(key).TryAcquire()
}

// Allow tries to acquire a slot in the window of the given key.
// When the acquisition is denied, retryAfter contains an estimation of when the next attempt may succeed.
func (kl *KeyedLimiter) Allow(key string) (allow bool, retryAfter time.Duration) {
	lim := kl.getLimiter(key)
	if lim.TryAcquire() {
		return true, 0
	}
	return false, lim.RetryAfter()
}

// Peek reports whether an acquisition for the key would fit into its window without recording it.
// When it would not, retryAfter contains an estimation of when it may.
func (kl *KeyedLimiter) Peek(key string) (fits bool, retryAfter time.Duration) {
	lim := kl.getLimiter(key)
	if lim.Peek() {
		return true, 0
	}
	return false, lim.RetryAfter()
}

// Limit returns the maximum number of acquisitions per second for every key.
func (kl *KeyedLimiter) Limit() int {
	return kl.limit
}
