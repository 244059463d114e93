/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package trafficlimit

import (
	"time"

	"go.uber.org/atomic"

	"github.com/drizzlepal/go-trafficlimit/log"
	"github.com/drizzlepal/go-trafficlimit/lrucache"
)

// ShardCount is a number of shards the one-second window is split into.
const ShardCount = 20

// ShardDuration is a time span covered by a single shard.
const ShardDuration = time.Second / ShardCount

// UpdateRetryTimes is a maximum number of attempts to update a shard under contention.
const UpdateRetryTimes = ShardCount * 2

const shardDurationMs = int64(ShardDuration / time.Millisecond)

const unusedTick = -1

// Limiter is the admission control contract. TryAcquire never blocks.
type Limiter interface {
	TryAcquire() bool
}

// shard is an immutable snapshot of the number of acquisitions recorded for the tick.
// It is never modified after it has been published into the ring.
type shard struct {
	tick  int64
	count int64
}

// SlidingWindowLimiter limits the number of acquisitions in the trailing one-second window.
type SlidingWindowLimiter struct {
	limit   int64
	shards  [ShardCount]atomic.Pointer[shard]
	now     func() time.Time
	logger  log.FieldLogger
	metrics MetricsCollector

	// beforeSwap, if set, is called between loading a shard and swapping it.
	beforeSwap func(slot *atomic.Pointer[shard])
}

var _ Limiter = (*SlidingWindowLimiter)(nil)

// SlidingWindowOption represents an option for SlidingWindowLimiter.
type SlidingWindowOption func(*slidingWindowOptions)

type slidingWindowOptions struct {
	now         func() time.Time
	logger      log.FieldLogger
	metrics     MetricsCollector
	keysMetrics lrucache.MetricsCollector
}

// WithLogger sets the logger that receives warnings about clock regression and exhausted retries.
func WithLogger(logger log.FieldLogger) SlidingWindowOption {
	return func(opts *slidingWindowOptions) {
		opts.logger = logger
	}
}

// WithMetricsCollector sets the collector of admission metrics.
func WithMetricsCollector(mc MetricsCollector) SlidingWindowOption {
	return func(opts *slidingWindowOptions) {
		opts.metrics = mc
	}
}

// WithClock sets the function that returns the current time. time.Now is used by default.
// Times before the Unix epoch are treated as the epoch itself.
func WithClock(now func() time.Time) SlidingWindowOption {
	return func(opts *slidingWindowOptions) {
		opts.now = now
	}
}

// NewSlidingWindowLimiter creates a new SlidingWindowLimiter that admits up to limit acquisitions per second.
// A non-positive limit produces a limiter that denies every acquisition.
func NewSlidingWindowLimiter(limit int, options ...SlidingWindowOption) *SlidingWindowLimiter {
	opts := slidingWindowOptions{now: time.Now}
	for _, option := range options {
		option(&opts)
	}
	if opts.logger == nil {
		opts.logger = log.NewDisabledLogger()
	}
	if opts.metrics == nil {
		opts.metrics = disabledMetrics{}
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	l := &SlidingWindowLimiter{
		limit:   int64(limit),
		now:     opts.now,
		logger:  opts.logger,
		metrics: opts.metrics,
	}
	for i := range l.shards {
		l.shards[i].Store(&shard{tick: unusedTick})
	}
	return l
}

// TryAcquire records an acquisition in the current shard and reports whether
// the number of acquisitions in the trailing window is still within the limit.
func (l *SlidingWindowLimiter) TryAcquire() bool {
	tick := l.currentTick()
	if !l.tryUpdateShard(tick) {
		l.metrics.IncAcquisitions(false)
		return false
	}
	admitted := l.currentCount(tick) <= l.limit
	l.metrics.IncAcquisitions(admitted)
	return admitted
}

// Count returns the number of acquisitions recorded in the trailing window.
func (l *SlidingWindowLimiter) Count() int64 {
	return l.currentCount(l.currentTick())
}

// Peek reports whether one more acquisition would fit into the trailing window right now.
// Nothing is recorded, so callers that wait for a free slot use it before retrying TryAcquire.
func (l *SlidingWindowLimiter) Peek() bool {
	return l.Count() < l.limit
}

// Limit returns the maximum number of acquisitions per second.
func (l *SlidingWindowLimiter) Limit() int {
	return int(l.limit)
}

// RetryAfter estimates how long it takes until the oldest shard that is still counted leaves the window.
// Zero is returned when the window has no recorded acquisitions.
func (l *SlidingWindowLimiter) RetryAfter() time.Duration {
	now := l.now()
	tick := tickAt(now)
	oldest := int64(unusedTick)
	for i := range l.shards {
		s := l.shards[i].Load()
		if s.count == 0 || !inWindow(s.tick, tick) {
			continue
		}
		if oldest == unusedTick || s.tick < oldest {
			oldest = s.tick
		}
	}
	if oldest == unusedTick {
		return 0
	}
	// Tick t covers the milliseconds ((t-1)*50, t*50], so the shard is out of the window
	// once the current tick reaches oldest+ShardCount.
	releaseAt := time.UnixMilli((oldest+ShardCount-1)*shardDurationMs + 1)
	if d := releaseAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (l *SlidingWindowLimiter) currentTick() int64 {
	return tickAt(l.now())
}

// tryUpdateShard adds one acquisition to the shard of the given tick.
// It returns false if the shard already belongs to a later tick or if all retries were lost to concurrent updates.
func (l *SlidingWindowLimiter) tryUpdateShard(tick int64) bool {
	slot := &l.shards[tick%ShardCount]
	for attempt := 0; attempt < UpdateRetryTimes; attempt++ {
		old := slot.Load()
		var updated *shard
		switch {
		case old.tick < tick:
			updated = &shard{tick: tick, count: 1}
		case old.tick == tick:
			updated = &shard{tick: tick, count: old.count + 1}
		default:
			l.logger.Warn("clock moved backwards, acquisition is denied",
				log.Int64("tick", tick), log.Int64("shard_tick", old.tick))
			l.metrics.IncClockRegressions()
			return false
		}
		if l.beforeSwap != nil {
			l.beforeSwap(slot)
		}
		if slot.CompareAndSwap(old, updated) {
			return true
		}
	}
	l.logger.Warn("failed to update sliding window shard, acquisition is denied",
		log.Int64("tick", tick), log.Int("attempts", UpdateRetryTimes))
	l.metrics.IncRetriesExhausted()
	return false
}

// currentCount sums the shards that belong to the window ending at the given tick.
// Every shard is loaded independently, so the result is not an atomic snapshot of the whole ring.
func (l *SlidingWindowLimiter) currentCount(tick int64) int64 {
	var count int64
	for i := range l.shards {
		if s := l.shards[i].Load(); inWindow(s.tick, tick) {
			count += s.count
		}
	}
	return count
}

func inWindow(shardTick, tick int64) bool {
	return shardTick >= tick-ShardCount+1 && shardTick <= tick
}

// tickAt rounds up, so a timestamp on the shard boundary belongs to the earlier tick.
// Timestamps before the Unix epoch all map to tick zero.
func tickAt(t time.Time) int64 {
	ms := t.UnixMilli()
	if ms <= 0 {
		return 0
	}
	return (ms + shardDurationMs - 1) / shardDurationMs
}
