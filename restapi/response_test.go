/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drizzlepal/go-trafficlimit/log"
	"github.com/drizzlepal/go-trafficlimit/log/logtest"
)

func TestRespondError(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	resp := httptest.NewRecorder()

	RespondError(resp, http.StatusTooManyRequests,
		NewTooManyRequestsError("Limiter").AddContext("retryAfter", 2), logRecorder)

	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, ContentTypeAppJSON, resp.Header().Get("Content-Type"))
	require.JSONEq(t,
		`{"error":{"domain":"Limiter","code":"tooManyRequests","message":"Too many requests.","context":{"retryAfter":2}}}`,
		resp.Body.String())

	logEntry, found := logRecorder.FindEntry("error response")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, logEntry.Level)
	codeField, found := logEntry.FindField("error_code")
	require.True(t, found)
	require.Equal(t, ErrCodeTooManyRequests, string(codeField.Bytes))
}

func TestRespondCodeAndJSON(t *testing.T) {
	t.Run("nil data", func(t *testing.T) {
		resp := httptest.NewRecorder()
		RespondCodeAndJSON(resp, http.StatusNoContent, nil, nil)
		require.Equal(t, http.StatusNoContent, resp.Code)
		require.Empty(t, resp.Body.String())
	})

	t.Run("html is not escaped", func(t *testing.T) {
		resp := httptest.NewRecorder()
		RespondJSON(resp, map[string]string{"key": "<a&b>"}, nil)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Equal(t, `{"key":"<a&b>"}`, resp.Body.String())
	})

	t.Run("content type is kept", func(t *testing.T) {
		resp := httptest.NewRecorder()
		resp.Header().Set("Content-Type", "application/problem+json")
		RespondCodeAndJSON(resp, http.StatusOK, struct{}{}, nil)
		require.Equal(t, "application/problem+json", resp.Header().Get("Content-Type"))
	})

	t.Run("marshaling error", func(t *testing.T) {
		logRecorder := logtest.NewRecorder()
		resp := httptest.NewRecorder()
		RespondCodeAndJSON(resp, http.StatusOK, make(chan int), logRecorder)
		require.Equal(t, http.StatusInternalServerError, resp.Code)
		_, found := logRecorder.FindEntry("error while marshaling json for response body")
		require.True(t, found)
	})
}
