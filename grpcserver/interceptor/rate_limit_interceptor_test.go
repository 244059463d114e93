/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/interop/grpc_testing"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/drizzlepal/go-trafficlimit/log"
	"github.com/drizzlepal/go-trafficlimit/log/logtest"
	"github.com/drizzlepal/go-trafficlimit/testutil"
	"github.com/drizzlepal/go-trafficlimit/trafficlimit"
)

// RateLimitInterceptorTestSuite is a test suite for RateLimit interceptors.
type RateLimitInterceptorTestSuite struct {
	suite.Suite
	IsUnary bool
}

func TestRateLimitUnaryInterceptor(t *testing.T) {
	suite.Run(t, &RateLimitInterceptorTestSuite{IsUnary: true})
}

func TestRateLimitStreamInterceptor(t *testing.T) {
	suite.Run(t, &RateLimitInterceptorTestSuite{IsUnary: false})
}

func (s *RateLimitInterceptorTestSuite) TestRejectsWhenLimitIsExceeded() {
	clock := newManualClock()
	svc, client, closeSvc := s.startService(logtest.NewRecorder(), 2,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)))
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	s.Require().NoError(callService(context.Background(), client, s.IsUnary))

	var header metadata.MD
	err := callService(context.Background(), client, s.IsUnary, grpc.Header(&header))
	s.Require().Equal(codes.ResourceExhausted, status.Code(err))
	// The oldest acquisition at 5000ms leaves the window in 951ms.
	s.Require().Equal([]string{"1"}, header.Get(RetryAfterMetadataKey))
	s.Require().EqualValues(2, svc.calls.Load())
}

func (s *RateLimitInterceptorTestSuite) TestWindowSlides() {
	clock := newManualClock()
	_, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)))
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	s.Require().Equal(codes.ResourceExhausted, status.Code(callService(context.Background(), client, s.IsUnary)))

	clock.Add(time.Millisecond * 900)
	s.Require().Equal(codes.ResourceExhausted, status.Code(callService(context.Background(), client, s.IsUnary)))

	// The calls at 5000ms left the window, but the denied call at 5900ms is still counted.
	clock.Add(time.Millisecond * 100)
	s.Require().Equal(codes.ResourceExhausted, status.Code(callService(context.Background(), client, s.IsUnary)))

	// At 7000ms the denied call at 6000ms leaves the window too.
	clock.Add(time.Second)
	s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	s.Require().Equal(codes.ResourceExhausted, status.Code(callService(context.Background(), client, s.IsUnary)))
}

func (s *RateLimitInterceptorTestSuite) TestWithGetKey() {
	getKeyFromMD := func(ctx context.Context) (string, bool, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if clientIDs := md.Get("client-id"); len(clientIDs) > 0 {
				return clientIDs[0], false, nil
			}
		}
		return "", true, nil
	}
	clock := newManualClock()
	logger := logtest.NewRecorder()
	_, client, closeSvc := s.startService(logger, 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitUnaryGetKey(func(ctx context.Context, _ interface{}, _ *grpc.UnaryServerInfo) (string, bool, error) {
			return getKeyFromMD(ctx)
		}),
		WithRateLimitStreamGetKey(func(_ interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo) (string, bool, error) {
			return getKeyFromMD(ss.Context())
		}),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	client1Ctx := metadata.NewOutgoingContext(context.Background(), metadata.Pairs("client-id", "client-1"))
	s.Require().NoError(callService(client1Ctx, client, s.IsUnary))
	s.Require().Equal(codes.ResourceExhausted, status.Code(callService(client1Ctx, client, s.IsUnary)))

	rejectEntry, found := logger.FindEntry("rate limit exceeded")
	s.Require().True(found)
	keyField, found := rejectEntry.FindField(RateLimitLogFieldKey)
	s.Require().True(found)
	s.Require().Equal("client-1", string(keyField.Bytes))

	client2Ctx := metadata.NewOutgoingContext(context.Background(), metadata.Pairs("client-id", "client-2"))
	s.Require().NoError(callService(client2Ctx, client, s.IsUnary))

	// Calls without client-id bypass rate limiting.
	for i := 0; i < 3; i++ {
		s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	}
}

func (s *RateLimitInterceptorTestSuite) TestGetKeyByPeer() {
	clock := newManualClock()
	_, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitUnaryGetKey(RateLimitUnaryGetKeyByPeer),
		WithRateLimitStreamGetKey(RateLimitStreamGetKeyByPeer),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	s.Require().Equal(codes.ResourceExhausted, status.Code(callService(context.Background(), client, s.IsUnary)))
}

func (s *RateLimitInterceptorTestSuite) TestGetKeyByMethod() {
	clock := newManualClock()
	var seenKeys []string
	_, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitUnaryGetKey(RateLimitUnaryGetKeyByMethod),
		WithRateLimitStreamGetKey(RateLimitStreamGetKeyByMethod),
		WithRateLimitUnaryOnReject(func(
			_ context.Context, _ interface{}, _ *grpc.UnaryServerInfo, _ grpc.UnaryHandler, params RateLimitParams,
		) (interface{}, error) {
			seenKeys = append(seenKeys, params.Key)
			return nil, status.Error(codes.ResourceExhausted, "rejected")
		}),
		WithRateLimitStreamOnReject(func(
			_ interface{}, _ grpc.ServerStream, _ *grpc.StreamServerInfo, _ grpc.StreamHandler, params RateLimitParams,
		) error {
			seenKeys = append(seenKeys, params.Key)
			return status.Error(codes.ResourceExhausted, "rejected")
		}),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	s.Require().Equal(codes.ResourceExhausted, status.Code(callService(context.Background(), client, s.IsUnary)))

	wantKey := "/grpc.testing.TestService/UnaryCall"
	if !s.IsUnary {
		wantKey = "/grpc.testing.TestService/StreamingOutputCall"
	}
	s.Require().Equal([]string{wantKey}, seenKeys)
}

func (s *RateLimitInterceptorTestSuite) TestExcludedKeys() {
	clock := newManualClock()
	svc, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitUnaryGetKey(RateLimitUnaryGetKeyByMethod),
		WithRateLimitStreamGetKey(RateLimitStreamGetKeyByMethod),
		WithRateLimitExcludedKeys("/grpc.testing.TestService/*"),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	for i := 0; i < 3; i++ {
		s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	}
	s.Require().EqualValues(3, svc.calls.Load())
}

func (s *RateLimitInterceptorTestSuite) TestIncludedKeys() {
	clock := newManualClock()
	_, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitUnaryGetKey(RateLimitUnaryGetKeyByMethod),
		WithRateLimitStreamGetKey(RateLimitStreamGetKeyByMethod),
		WithRateLimitIncludedKeys("/grpc.testing.TestService/*"),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	s.Require().Equal(codes.ResourceExhausted, status.Code(callService(context.Background(), client, s.IsUnary)))
}

func (s *RateLimitInterceptorTestSuite) TestDryRun() {
	clock := newManualClock()
	logger := logtest.NewRecorder()
	svc, client, closeSvc := s.startService(logger, 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitDryRun(true),
		WithRateLimitBacklogLimit(10),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	for i := 0; i < 5; i++ {
		s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	}
	s.Require().EqualValues(5, svc.calls.Load())

	dryRunEntries := logger.FindAllEntriesByFilter(func(entry logtest.RecordedEntry) bool {
		return entry.Level == log.LevelWarn && entry.Text == "rate limit exceeded, continuing in dry run mode"
	})
	s.Require().Len(dryRunEntries, 4)
}

func (s *RateLimitInterceptorTestSuite) TestCustomDryRunCallbacks() {
	clock := newManualClock()
	var dryRunRejects int
	_, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitDryRun(true),
		WithRateLimitUnaryOnRejectInDryRun(func(
			ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler, _ RateLimitParams,
		) (interface{}, error) {
			dryRunRejects++
			return handler(ctx, req)
		}),
		WithRateLimitStreamOnRejectInDryRun(func(
			srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler, _ RateLimitParams,
		) error {
			dryRunRejects++
			return handler(srv, ss)
		}),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	for i := 0; i < 3; i++ {
		s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	}
	s.Require().Equal(2, dryRunRejects)
}

func (s *RateLimitInterceptorTestSuite) TestBacklog() {
	clock := newManualClock()
	svc, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitBacklogLimit(1),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))

	backloggedResult := make(chan error, 1)
	go func() {
		backloggedResult <- callService(context.Background(), client, s.IsUnary)
	}()
	time.Sleep(time.Millisecond * 100)

	// The backlog already holds one call, so the next one is rejected immediately.
	s.Require().Equal(codes.ResourceExhausted, status.Code(callService(context.Background(), client, s.IsUnary)))

	clock.Add(time.Second)
	select {
	case err := <-backloggedResult:
		s.Require().NoError(err)
	case <-time.After(time.Second * 3):
		s.FailNow("backlogged call is not served")
	}
	s.Require().EqualValues(2, svc.calls.Load())
}

func (s *RateLimitInterceptorTestSuite) TestBacklogTimeout() {
	clock := newManualClock()
	backlogTimeout := 100 * time.Millisecond
	logger := logtest.NewRecorder()
	_, client, closeSvc := s.startService(logger, 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitBacklogLimit(1),
		WithRateLimitBacklogTimeout(backlogTimeout),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))

	startTime := time.Now()
	err := callService(context.Background(), client, s.IsUnary)
	s.Require().Equal(codes.ResourceExhausted, status.Code(err))
	s.Require().GreaterOrEqual(time.Since(startTime), backlogTimeout)

	rejectEntry, found := logger.FindEntry("rate limit exceeded")
	s.Require().True(found)
	_, found = rejectEntry.FindField("backlogged")
	s.Require().True(found)
}

func (s *RateLimitInterceptorTestSuite) TestBackloggedCallIsCanceled() {
	clock := newManualClock()
	logger := logtest.NewRecorder()
	_, client, closeSvc := s.startService(logger, 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitBacklogLimit(1),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
	defer cancel()
	s.Require().Equal(codes.DeadlineExceeded, status.Code(callService(ctx, client, s.IsUnary)))

	s.Require().Eventually(func() bool {
		_, found := logger.FindEntry("rate limiting error")
		return found
	}, time.Second*2, time.Millisecond*10)
}

func (s *RateLimitInterceptorTestSuite) TestCustomCallbacks() {
	clock := newManualClock()
	var rejectedCalled bool
	_, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitUnaryOnReject(func(
			_ context.Context, _ interface{}, _ *grpc.UnaryServerInfo, _ grpc.UnaryHandler, _ RateLimitParams,
		) (interface{}, error) {
			rejectedCalled = true
			return nil, status.Error(codes.Unavailable, "custom rejection message")
		}),
		WithRateLimitStreamOnReject(func(
			_ interface{}, _ grpc.ServerStream, _ *grpc.StreamServerInfo, _ grpc.StreamHandler, _ RateLimitParams,
		) error {
			rejectedCalled = true
			return status.Error(codes.Unavailable, "custom rejection message")
		}),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))

	err := callService(context.Background(), client, s.IsUnary)
	s.Require().Equal(codes.Unavailable, status.Code(err))
	s.Require().Contains(err.Error(), "custom rejection message")
	s.Require().True(rejectedCalled)
}

func (s *RateLimitInterceptorTestSuite) TestGetRetryAfter() {
	clock := newManualClock()
	doubled := func(estimatedTime time.Duration) time.Duration { return estimatedTime * 2 }
	_, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
		WithRateLimitUnaryGetRetryAfter(func(
			_ context.Context, _ interface{}, _ *grpc.UnaryServerInfo, estimatedTime time.Duration,
		) time.Duration {
			return doubled(estimatedTime)
		}),
		WithRateLimitStreamGetRetryAfter(func(
			_ interface{}, _ grpc.ServerStream, _ *grpc.StreamServerInfo, estimatedTime time.Duration,
		) time.Duration {
			return doubled(estimatedTime)
		}),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))

	var header metadata.MD
	err := callService(context.Background(), client, s.IsUnary, grpc.Header(&header))
	s.Require().Equal(codes.ResourceExhausted, status.Code(err))
	s.Require().Equal([]string{"2"}, header.Get(RetryAfterMetadataKey))
}

func (s *RateLimitInterceptorTestSuite) TestGetKeyError() {
	logger := logtest.NewRecorder()
	svc, client, closeSvc := s.startService(logger, 10,
		WithRateLimitUnaryGetKey(func(context.Context, interface{}, *grpc.UnaryServerInfo) (string, bool, error) {
			return "", false, errors.New("no key")
		}),
		WithRateLimitStreamGetKey(func(interface{}, grpc.ServerStream, *grpc.StreamServerInfo) (string, bool, error) {
			return "", false, errors.New("no key")
		}),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	err := callService(context.Background(), client, s.IsUnary)
	s.Require().Equal(codes.Internal, status.Code(err))
	s.Require().Zero(svc.calls.Load())

	errEntry, found := logger.FindEntry("rate limiting error")
	s.Require().True(found)
	s.Require().Equal(log.LevelError, errEntry.Level)
}

func (s *RateLimitInterceptorTestSuite) TestCustomOnError() {
	_, client, closeSvc := s.startService(logtest.NewRecorder(), 10,
		WithRateLimitUnaryGetKey(func(context.Context, interface{}, *grpc.UnaryServerInfo) (string, bool, error) {
			return "", false, errors.New("no key")
		}),
		WithRateLimitStreamGetKey(func(interface{}, grpc.ServerStream, *grpc.StreamServerInfo) (string, bool, error) {
			return "", false, errors.New("no key")
		}),
		WithRateLimitUnaryOnError(func(
			_ context.Context, _ interface{}, _ *grpc.UnaryServerInfo, _ grpc.UnaryHandler, _ RateLimitParams, _ error,
		) (interface{}, error) {
			return nil, status.Error(codes.Aborted, "custom error message")
		}),
		WithRateLimitStreamOnError(func(
			_ interface{}, _ grpc.ServerStream, _ *grpc.StreamServerInfo, _ grpc.StreamHandler, _ RateLimitParams, _ error,
		) error {
			return status.Error(codes.Aborted, "custom error message")
		}),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().Equal(codes.Aborted, status.Code(callService(context.Background(), client, s.IsUnary)))
}

func (s *RateLimitInterceptorTestSuite) TestWithConfig() {
	cfg := trafficlimit.NewDefaultConfig(1)
	cfg.DryRun = true

	clock := newManualClock()
	svc, client, closeSvc := s.startService(logtest.NewRecorder(), cfg.Limit,
		WithRateLimitConfig(cfg),
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now)),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	for i := 0; i < 3; i++ {
		s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	}
	s.Require().EqualValues(3, svc.calls.Load())
}

func (s *RateLimitInterceptorTestSuite) TestMetrics() {
	clock := newManualClock()
	metrics := trafficlimit.NewPrometheusMetrics()
	_, client, closeSvc := s.startService(logtest.NewRecorder(), 1,
		WithRateLimitLimiterOptions(trafficlimit.WithClock(clock.Now), trafficlimit.WithMetricsCollector(metrics)),
	)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(callService(context.Background(), client, s.IsUnary))
	s.Require().Error(callService(context.Background(), client, s.IsUnary))
	s.Require().Error(callService(context.Background(), client, s.IsUnary))

	testutil.RequireCounterValue(s.T(), metrics.AcquisitionsTotal.WithLabelValues("admitted"), 1)
	testutil.RequireCounterValue(s.T(), metrics.AcquisitionsTotal.WithLabelValues("rejected"), 2)
}

func (s *RateLimitInterceptorTestSuite) TestInvalidOptions() {
	_, err := s.newInterceptor(1, WithRateLimitBacklogLimit(-1))
	s.Require().ErrorContains(err, "backlog limit should not be negative")

	_, err = s.newInterceptor(1, WithRateLimitBacklogTimeout(-time.Second))
	s.Require().ErrorContains(err, "backlog timeout should not be negative")

	_, err = s.newInterceptor(1,
		WithRateLimitUnaryGetKey(RateLimitUnaryGetKeyByMethod),
		WithRateLimitStreamGetKey(RateLimitStreamGetKeyByMethod),
		WithRateLimitMaxKeys(-1),
	)
	s.Require().ErrorContains(err, "new keyed limiter")

	_, err = s.newInterceptor(1, WithRateLimitExcludedKeys("a"), WithRateLimitIncludedKeys("b"))
	s.Require().ErrorContains(err, "excluded and included keys cannot be used together")
}

func (s *RateLimitInterceptorTestSuite) newInterceptor(limit int, options ...RateLimitOption) (grpc.ServerOption, error) {
	if s.IsUnary {
		unaryInterceptor, err := RateLimitUnaryInterceptor(limit, options...)
		if err != nil {
			return nil, err
		}
		return grpc.UnaryInterceptor(unaryInterceptor), nil
	}
	streamInterceptor, err := RateLimitStreamInterceptor(limit, options...)
	if err != nil {
		return nil, err
	}
	return grpc.StreamInterceptor(streamInterceptor), nil
}

func (s *RateLimitInterceptorTestSuite) startService(
	logger *logtest.Recorder, limit int, options ...RateLimitOption,
) (*testService, grpc_testing.TestServiceClient, func() error) {
	var serverOptions []grpc.ServerOption
	if s.IsUnary {
		unaryInterceptor, err := RateLimitUnaryInterceptor(limit, options...)
		s.Require().NoError(err)
		serverOptions = append(serverOptions, grpc.ChainUnaryInterceptor(LoggingUnaryInterceptor(logger), unaryInterceptor))
	} else {
		streamInterceptor, err := RateLimitStreamInterceptor(limit, options...)
		s.Require().NoError(err)
		serverOptions = append(serverOptions, grpc.ChainStreamInterceptor(LoggingStreamInterceptor(logger), streamInterceptor))
	}
	svc, client, closeFn, err := startTestService(serverOptions)
	s.Require().NoError(err)
	return svc, client, closeFn
}
