/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/interop/grpc_testing"
)

type testService struct {
	grpc_testing.UnimplementedTestServiceServer
	calls     atomic.Int32
	requestID atomic.String
	unaryErr  error
	streamErr error
}

func (s *testService) UnaryCall(ctx context.Context, _ *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
	s.calls.Inc()
	s.requestID.Store(GetRequestIDFromContext(ctx))
	if s.unaryErr != nil {
		return nil, s.unaryErr
	}
	return &grpc_testing.SimpleResponse{Payload: &grpc_testing.Payload{Body: []byte("test")}}, nil
}

func (s *testService) StreamingOutputCall(
	_ *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
) error {
	s.calls.Inc()
	s.requestID.Store(GetRequestIDFromContext(stream.Context()))
	if s.streamErr != nil {
		return s.streamErr
	}
	return stream.Send(&grpc_testing.StreamingOutputCallResponse{
		Payload: &grpc_testing.Payload{Body: []byte("test-stream")},
	})
}

func startTestService(serverOpts []grpc.ServerOption) (
	svc *testService, client grpc_testing.TestServiceClient, closeFn func() error, err error,
) {
	svc = &testService{}
	srv := grpc.NewServer(serverOpts...)
	grpc_testing.RegisterTestServiceServer(srv, svc)

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listen: %w", err)
	}
	serveResult := make(chan error, 1)
	go func() {
		serveResult <- srv.Serve(ln)
	}()

	clientConn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		srv.Stop()
		return nil, nil, nil, errors.Join(fmt.Errorf("dial: %w", err), <-serveResult)
	}
	return svc, grpc_testing.NewTestServiceClient(clientConn), func() error {
		closeErr := clientConn.Close()
		srv.GracefulStop()
		return errors.Join(closeErr, <-serveResult)
	}, nil
}

// callService makes a unary or a server-streaming call. The stream is read until it ends,
// so header and trailer call options are filled in.
func callService(ctx context.Context, client grpc_testing.TestServiceClient, unary bool, opts ...grpc.CallOption) error {
	if unary {
		_, err := client.UnaryCall(ctx, &grpc_testing.SimpleRequest{}, opts...)
		return err
	}
	stream, err := client.StreamingOutputCall(ctx, &grpc_testing.StreamingOutputCallRequest{}, opts...)
	if err != nil {
		return err
	}
	for {
		if _, err = stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

type manualClock struct {
	ms atomic.Int64
}

func newManualClock() *manualClock {
	c := &manualClock{}
	c.ms.Store(5000)
	return c
}

func (c *manualClock) Now() time.Time {
	return time.UnixMilli(c.ms.Load())
}

func (c *manualClock) Add(d time.Duration) {
	c.ms.Add(d.Milliseconds())
}
