package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

const localDevOrigin = "http://localhost:3000"

// CORS allows the storefront at baseURL, plus the local dev server outside production.
func CORS(baseURL string, allowLocal bool) func(http.Handler) http.Handler {
	origins := []string{}
	if origin := strings.TrimRight(strings.TrimSpace(baseURL), "/"); origin != "" {
		origins = append(origins, origin)
	}
	if allowLocal {
		origins = append(origins, localDevOrigin)
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Idempotent-Replayed", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
