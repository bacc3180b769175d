package handlers

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
)

// RequireAdmin rejects callers whose resolved identity is not an admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := auth.IdentityFromContext(r.Context())
		switch {
		case !caller.Authenticated():
			writeError(w, r, http.StatusUnauthorized, CodeNotAuthenticated, "authentication required")
		case !caller.IsAdmin():
			hlog.FromRequest(r).Warn().Str("clerk_id", caller.ClerkID).Str("path", r.URL.Path).Msg("admin route denied")
			writeError(w, r, http.StatusForbidden, CodeUnauthorized, "admin role required")
		default:
			next.ServeHTTP(w, r)
		}
	})
}
