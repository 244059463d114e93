/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/drizzlepal/go-trafficlimit/lrucache"
	"github.com/drizzlepal/go-trafficlimit/trafficlimit"
)

// DefaultRateLimitBacklogTimeout determines the default timeout for backlog processing.
const DefaultRateLimitBacklogTimeout = trafficlimit.DefaultBacklogTimeout

// MinRetryInterval is the shortest pause between two admission checks of a backlogged request.
// The window cannot change faster than one shard.
const MinRetryInterval = trafficlimit.ShardDuration

// Limiter decides whether a request with the given key is admitted.
// When it is not, retryAfter estimates when the next attempt may succeed.
// Allow records the attempt even if it is denied, Peek records nothing.
type Limiter interface {
	Allow(key string) (allow bool, retryAfter time.Duration)
	Peek(key string) (fits bool, retryAfter time.Duration)
}

var _ Limiter = (*trafficlimit.KeyedLimiter)(nil)

// Params contains common data that relates to the rate limiting procedure.
type Params struct {
	Key                 string
	RequestBacklogged   bool
	EstimatedRetryAfter time.Duration
}

// RequestHandler abstracts the common operations for both HTTP and gRPC requests.
type RequestHandler interface {
	// GetContext returns the request context.
	GetContext() context.Context

	// GetKey extracts the rate limiting key from the request.
	// Returns key, bypass (whether to bypass rate limiting), and error.
	GetKey() (string, bool, error)

	// Execute processes the actual request.
	Execute() error

	// OnReject handles request rejection when rate limit is exceeded.
	OnReject(params Params) error

	// OnError handles errors that occur during rate limiting.
	OnError(params Params, err error) error
}

// BacklogParams defines parameters for the backlog processing.
type BacklogParams struct {
	MaxKeys int
	Limit   int
	Timeout time.Duration
}

// RequestProcessor handles the common rate limiting logic for any request type.
type RequestProcessor struct {
	limiter        Limiter
	backlogSlots   func(key string) chan struct{}
	backlogTimeout time.Duration
	keyFilter      KeyFilter
}

// RequestProcessorOption represents a functional option for configuring RequestProcessor.
type RequestProcessorOption func(*RequestProcessor)

// WithKeyFilter makes requests with keys matched by the filter bypass rate limiting.
func WithKeyFilter(filter KeyFilter) RequestProcessorOption {
	return func(p *RequestProcessor) {
		p.keyFilter = filter
	}
}

// NewRequestProcessor creates a new generic request processor.
func NewRequestProcessor(
	limiter Limiter, backlogParams BacklogParams, options ...RequestProcessorOption,
) (*RequestProcessor, error) {
	if backlogParams.Limit < 0 {
		return nil, fmt.Errorf("backlog limit should not be negative, got %d", backlogParams.Limit)
	}
	if backlogParams.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys for backlog should not be negative, got %d", backlogParams.MaxKeys)
	}
	if backlogParams.Timeout < 0 {
		return nil, fmt.Errorf("backlog timeout should not be negative, got %s", backlogParams.Timeout)
	}

	p := &RequestProcessor{limiter: limiter, backlogTimeout: backlogParams.Timeout}
	for _, opt := range options {
		opt(p)
	}
	if p.backlogTimeout == 0 {
		p.backlogTimeout = DefaultRateLimitBacklogTimeout
	}
	if backlogParams.Limit > 0 {
		var err error
		if p.backlogSlots, err = newBacklogSlotsProvider(backlogParams.Limit, backlogParams.MaxKeys); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ProcessRequest contains the shared rate limiting logic.
func (p *RequestProcessor) ProcessRequest(rh RequestHandler) error {
	key, bypass, err := rh.GetKey()
	if err != nil {
		return rh.OnError(Params{Key: key}, fmt.Errorf("get key for rate limit: %w", err))
	}
	if bypass || (p.keyFilter != nil && p.keyFilter(key)) {
		return rh.Execute()
	}

	allow, retryAfter := p.limiter.Allow(key)
	if allow {
		return rh.Execute()
	}
	if p.backlogSlots == nil {
		return rh.OnReject(Params{Key: key, EstimatedRetryAfter: retryAfter})
	}
	return p.processBacklog(rh, key, retryAfter)
}

func (p *RequestProcessor) processBacklog(rh RequestHandler, key string, retryAfter time.Duration) error {
	slots := p.backlogSlots(key)
	select {
	case slots <- struct{}{}:
	default:
		// The backlog is full.
		return rh.OnReject(Params{Key: key, EstimatedRetryAfter: retryAfter})
	}

	backlogged := true
	releaseSlot := func() {
		if backlogged {
			<-slots
			backlogged = false
		}
	}
	defer releaseSlot()

	timeout := time.NewTimer(p.backlogTimeout)
	defer timeout.Stop()

	ctx := rh.GetContext()
	for {
		retry := time.NewTimer(retryInterval(retryAfter))
		select {
		case <-retry.C:
		case <-timeout.C:
			retry.Stop()
			params := Params{Key: key, RequestBacklogged: true, EstimatedRetryAfter: retryAfter}
			releaseSlot()
			return rh.OnReject(params)
		case <-ctx.Done():
			retry.Stop()
			params := Params{Key: key, RequestBacklogged: true, EstimatedRetryAfter: retryAfter}
			releaseSlot()
			return rh.OnError(params, ctx.Err())
		}

		// Denied attempts stay in the window, so a backlogged request acquires only when a slot is free.
		var fits bool
		if fits, retryAfter = p.limiter.Peek(key); !fits {
			continue
		}
		var allow bool
		if allow, retryAfter = p.limiter.Allow(key); allow {
			releaseSlot()
			return rh.Execute()
		}
	}
}

func retryInterval(retryAfter time.Duration) time.Duration {
	if retryAfter < MinRetryInterval {
		return MinRetryInterval
	}
	return retryAfter
}

func newBacklogSlotsProvider(backlogLimit, maxKeys int) (func(key string) chan struct{}, error) {
	if maxKeys == 0 {
		slots := make(chan struct{}, backlogLimit)
		return func(string) chan struct{} { return slots }, nil
	}
	store, err := lrucache.New[string, chan struct{}](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for backlog slots: %w", err)
	}
	return func(key string) chan struct{} {
		slots, _ := store.GetOrAdd(key, func() chan struct{} { return make(chan struct{}, backlogLimit) })
		return slots
	}, nil
}
