package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/Rorqualx/imagegate/internal/config"
)

// APIKeyHeader carries the API key.
const APIKeyHeader = "X-API-Key"

// APIKey rejects requests without the configured key in APIKeyHeader. It is
// a pass-through when authentication is disabled. /health is always open.
// Keys in query strings are not accepted since they end up in access logs.
func APIKey(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.APIKeyEnabled || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(APIKeyHeader)
			if cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "Invalid or missing API key", time.Now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
