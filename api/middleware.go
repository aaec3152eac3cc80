package api

import (
	"fmt"
	"net/http"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/auth"
)

// RequireAuth verifies the bearer token and stores the identity on the
// request context. The token itself is never logged.
func (h *Handler) RequireAuth(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				h.writeError(w, r, fmt.Errorf("%w: missing bearer token", apperr.ErrUnauthorized))
				return
			}
			id, err := v.Verify(token)
			if err != nil {
				h.Log.Debug("token rejected", "path", r.URL.Path, "error", err)
				h.writeError(w, r, fmt.Errorf("%w: invalid or expired token", apperr.ErrUnauthorized))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin must run after RequireAuth.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			h.writeError(w, r, apperr.ErrUnauthorized)
			return
		}
		if !id.IsAdmin() {
			h.writeError(w, r, fmt.Errorf("%w: admin role required", apperr.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}
