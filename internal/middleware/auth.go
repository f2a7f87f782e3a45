// Package middleware holds the HTTP guards in front of the webhook and internal routes.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"
)

// InternalSecretHeader carries the shared secret of internal callers
const InternalSecretHeader = "X-Internal-Secret"

// EnsureInternalAuth validates the X-Internal-Secret header
func EnsureInternalAuth(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(InternalSecretHeader)

			if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				logger.Warn("Rejected internal request",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Bool("header_present", provided != ""),
				)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
