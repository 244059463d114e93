/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	headerForwardedFor = "X-Forwarded-For"
	headerRealIP       = "X-Real-IP"
)

// RateLimitGetKeyByRoutePattern accounts requests by the chi route pattern, so every route gets its own budget.
// Requests that were not routed by chi bypass rate limiting.
// The route pattern is known only after routing, so the middleware should be attached with chi.Router.With or inside a chi.Router.Group.
func RateLimitGetKeyByRoutePattern(r *http.Request) (key string, bypass bool, err error) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "", true, nil
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return "", true, nil
	}
	return r.Method + " " + pattern, false, nil
}

// RateLimitGetKeyByIP accounts requests by the client IP address.
// X-Forwarded-For (the first address) and X-Real-IP headers take precedence over the remote address.
func RateLimitGetKeyByIP(r *http.Request) (key string, bypass bool, err error) {
	if forwardedFor := r.Header.Get(headerForwardedFor); forwardedFor != "" {
		if i := strings.IndexByte(forwardedFor, ','); i != -1 {
			forwardedFor = forwardedFor[:i]
		}
		return strings.TrimSpace(forwardedFor), false, nil
	}
	if realIP := strings.TrimSpace(r.Header.Get(headerRealIP)); realIP != "" {
		return realIP, false, nil
	}
	host, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		return r.RemoteAddr, false, nil
	}
	return host, false, nil
}
