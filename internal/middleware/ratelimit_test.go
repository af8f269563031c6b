package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_BurstThenReject(t *testing.T) {
	t.Parallel()

	now := time.Now()
	mw := NewRateLimitMiddleware(3)
	mw.now = func() time.Time { return now }
	handler := mw.Handler(okHandler())

	for i := range 3 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Equal(t, 20, retryAfter)

	now = now.Add(20 * time.Second)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware_PerClient(t *testing.T) {
	t.Parallel()

	mw := NewRateLimitMiddleware(1)
	handler := ClientIP(false)(mw.Handler(okHandler()))

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.1:4000"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1:4001"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2:4000"))
}

func TestRateLimitMiddleware_Defaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 300, NewRateLimitMiddleware(0).perMinute)
	assert.Equal(t, 300, NewRateLimitMiddleware(-5).perMinute)
}
