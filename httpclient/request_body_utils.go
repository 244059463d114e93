/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/drizzlepal/go-trafficlimit/log"
)

// bodyRewinder puts the original request body back before the next attempt.
type bodyRewinder func(req *http.Request) error

func noopBodyRewinder(*http.Request) error { return nil }

// makeRequestBodyRewindable prepares req.Body for being sent several times.
// GetBody is used when the request has it, io.ReadSeeker bodies are seeked back,
// anything else is read into memory once.
func makeRequestBodyRewindable(req *http.Request) (bodyRewinder, error) {
	switch {
	case req.Body == nil || req.Body == http.NoBody:
		return noopBodyRewinder, nil
	case req.GetBody != nil:
		return rewindWithGetBody(req)
	}
	if seeker, ok := req.Body.(io.ReadSeeker); ok {
		return rewindWithSeek(req, seeker)
	}
	return rewindWithBuffer(req)
}

func rewindWithGetBody(req *http.Request) (bodyRewinder, error) {
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("get request body: %w", err)
	}
	req.Body = body
	return func(r *http.Request) error {
		newBody, getErr := r.GetBody()
		if getErr != nil {
			return fmt.Errorf("get request body for retry: %w", getErr)
		}
		r.Body = newBody
		return nil
	}, nil
}

func rewindWithSeek(req *http.Request, seeker io.ReadSeeker) (bodyRewinder, error) {
	offset, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("get request body offset: %w", err)
	}
	// The original body is closed once by RoundTrip, not by every attempt.
	req.Body = io.NopCloser(seeker)
	return func(r *http.Request) error {
		if _, seekErr := seeker.Seek(offset, io.SeekStart); seekErr != nil {
			return fmt.Errorf("seek request body to %d for retry: %w", offset, seekErr)
		}
		r.Body = io.NopCloser(seeker)
		return nil
	}, nil
}

func rewindWithBuffer(req *http.Request) (bodyRewinder, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	return func(r *http.Request) error {
		r.Body = io.NopCloser(bytes.NewReader(data))
		return nil
	}, nil
}

// drainResponseBody lets the underlying connection be reused by the next attempt.
func drainResponseBody(resp *http.Response, logger log.FieldLogger) {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Warn("failed to drain response body of the rejected attempt", log.Error(err))
	}
	if err := resp.Body.Close(); err != nil {
		logger.Warn("failed to close response body of the rejected attempt", log.Error(err))
	}
}
