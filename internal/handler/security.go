package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// apiKeyHeader carries the caller's API key.
const apiKeyHeader = "api_key"

// RequireScope authenticates the request by the HMAC-SHA256 of its API key
// and rejects keys without scope.
func (h *Handler) RequireScope(scope string) httpmiddleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(apiKeyHeader)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}

			hash := auth.HashKey(key, h.pepper)
			info, err := h.keys.FindByHash(r.Context(), hash)
			if err != nil {
				zctx.From(r.Context()).Debug("API key lookup failed", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			// Confirm the stored hash in constant time.
			if subtle.ConstantTimeCompare([]byte(hash), []byte(info.KeyHash)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !info.HasScope(scope) {
				writeError(w, http.StatusForbidden, "api key lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
