package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/ghostchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	tcases := []struct {
		name  string
		value any
		want  string
	}{
		{
			name:  "error value",
			value: errors.New("test panic"),
			want:  "panic: test panic",
		},
		{
			name:  "string value",
			value: "something broke",
			want:  "panic: something broke",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			logger, buf := testutil.CaptureLogger(t)
			app := &GhostChatApp{log: logger}

			panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tc.value)
			})

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			app.errorHandler(panicHandler).ServeHTTP(rr, req)

			assert.Equal(t, http.StatusInternalServerError, rr.Code)
			assert.Equal(t, "close", rr.Header().Get("Connection"))
			assert.Contains(t, buf.String(), tc.want)

			var apiErr ApiError
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
			assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
			assert.Equal(t, "internal server error", apiErr.Message)
		})
	}
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &GhostChatApp{}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	app.errorHandler(okHandler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}
