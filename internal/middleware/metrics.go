package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// RequestRecorder receives one observation per completed request.
type RequestRecorder interface {
	ObserveRequest(method string, route string, status int, elapsed time.Duration)
}

// Metrics reports latency by route pattern so path parameters do not
// explode label cardinality.
func Metrics(recorder RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			recorder.ObserveRequest(r.Method, route, wrapped.status, time.Since(started))
		})
	}
}
