package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/store"
)

// UserLookup resolves a Clerk subject to the local user record.
type UserLookup interface {
	GetUserByClerkID(ctx context.Context, clerkID string) (*models.User, error)
}

// ResolveIdentity turns the AuthenticatedUser placed by Middleware into a
// models.Identity. A subject with no local user yet gets a member identity
// with UserID 0, which may only sync itself.
func ResolveIdentity(users UserLookup, logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "auth").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			au, ok := UserFromContext(r.Context())
			if !ok {
				writeUnauthenticated(w, r, "missing authenticated user")
				return
			}

			identity := models.Identity{ClerkID: au.ClerkID, Email: au.Email, Role: models.RoleMember}
			user, err := users.GetUserByClerkID(r.Context(), au.ClerkID)
			switch {
			case err == nil:
				identity.UserID = user.ID
				identity.Email = user.Email
				identity.Role = user.Role
			case errors.Is(err, store.ErrUserNotFound):
			default:
				log.Error().Err(err).Str("clerk_id", au.ClerkID).Msg("identity lookup failed")
				writeAuthError(w, r, http.StatusInternalServerError, "internal", "identity lookup failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey, identity)
}

// IdentityFromContext returns the caller identity, or the zero (unauthenticated)
// identity when none was resolved.
func IdentityFromContext(ctx context.Context) models.Identity {
	identity, _ := ctx.Value(identityCtxKey).(models.Identity)
	return identity
}
