/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"

	"github.com/drizzlepal/go-trafficlimit/log"
)

type ctxKey struct{ name string }

var (
	ctxKeyRequestID         = &ctxKey{"request_id"}
	ctxKeyInternalRequestID = &ctxKey{"int_request_id"}
	ctxKeyLogger            = &ctxKey{"logger"}
)

// valueFromContext returns the zero value of T if the key is absent.
func valueFromContext[T any](ctx context.Context, key *ctxKey) T {
	value, _ := ctx.Value(key).(T)
	return value
}

// NewContextWithRequestID returns a copy of ctx that carries the request id received from the client.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestIDFromContext returns the request id received from the client or an empty string.
func GetRequestIDFromContext(ctx context.Context) string {
	return valueFromContext[string](ctx, ctxKeyRequestID)
}

// NewContextWithInternalRequestID returns a copy of ctx that carries the id generated by the service.
func NewContextWithInternalRequestID(ctx context.Context, internalRequestID string) context.Context {
	return context.WithValue(ctx, ctxKeyInternalRequestID, internalRequestID)
}

// GetInternalRequestIDFromContext returns the id generated by the service or an empty string.
func GetInternalRequestIDFromContext(ctx context.Context) string {
	return valueFromContext[string](ctx, ctxKeyInternalRequestID)
}

// NewContextWithLogger returns a copy of ctx that carries the request-scoped logger.
func NewContextWithLogger(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// GetLoggerFromContext returns the request-scoped logger or nil.
// RateLimit falls back to no logging when it is nil.
func GetLoggerFromContext(ctx context.Context) log.FieldLogger {
	return valueFromContext[log.FieldLogger](ctx, ctxKeyLogger)
}
