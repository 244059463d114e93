/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"

	"github.com/stretchr/testify/require"
)

const contentTypeAppJSON = "application/json"

type errorRespData struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Context map[string]interface{} `json:"context"`
}

func requireErrorResponse(
	t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string,
) errorRespData {
	require.Equal(t, wantHTTPCode, resp.Code)
	require.Equal(t, contentTypeAppJSON, resp.Header().Get("Content-Type"))
	var errResp struct {
		Error errorRespData `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	require.Equal(t, wantErrDomain, errResp.Error.Domain)
	require.Equal(t, wantErrCode, errResp.Error.Code)
	return errResp.Error
}

// RequireErrorInRecorder asserts that the recorded response contains the wrapped JSON error with the given status.
func RequireErrorInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireErrorResponse(t, resp, wantHTTPCode, wantErrDomain, wantErrCode)
}

// RequireRejectionInRecorder asserts that the request was rejected by the rate limiter.
// Retry-After header must be a positive number of seconds, repeated in the "retryAfter" error context.
func RequireRejectionInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	retryAfter := resp.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	require.NotEqual(t, "0", retryAfter)
	apiErr := requireErrorResponse(t, resp, wantHTTPCode, wantErrDomain, "tooManyRequests")
	require.Equal(t, retryAfter, fmt.Sprint(apiErr.Context["retryAfter"]))
}
