package middleware

import (
	"net/http"
	"slices"

	"github.com/rs/cors"
)

// CORS allows credentialed requests only from an explicit origin list.
func CORS(origins []string) func(http.Handler) http.Handler {
	wildcard := len(origins) == 0 || slices.Contains(origins, "*")
	if wildcard {
		origins = []string{"*"}
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Accept-Language", "X-Request-ID"},
		ExposedHeaders: []string{
			"X-Request-ID", "Retry-After", "Content-Language",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
		},
		MaxAge:           3600,
		AllowCredentials: !wildcard,
	})

	return handler.Handler
}
