package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
	"github.com/PortNumber53/gymhub/backend/internal/models"
)

const defaultUserPageSize = 50

// UserLister defines the behaviour required from the storage client backing the users handler.
type UserLister interface {
	ListUsers(ctx context.Context, limit int) ([]models.User, error)
}

// UserSyncer creates or refreshes the local user for an identity provider subject.
type UserSyncer interface {
	UpsertUser(ctx context.Context, clerkID, email string, name *string) (*models.User, error)
}

func queryLimit(r *http.Request, fallback int) int {
	if override := r.URL.Query().Get("limit"); override != "" {
		if parsed, err := strconv.Atoi(override); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// Users creates an HTTP handler that returns a list of users from the primary database.
func Users(client UserLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := client.ListUsers(r.Context(), queryLimit(r, defaultUserPageSize))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if users == nil {
			users = []models.User{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	}
}

// SyncUser links the authenticated identity to a local user record, creating
// it on first call.
func SyncUser(client UserSyncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := auth.UserFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, CodeNotAuthenticated, "authentication required")
			return
		}

		var req models.SyncUserRequest
		if rerr := decodeAndValidate(w, r, &req); rerr != nil {
			writeRequestError(w, r, rerr)
			return
		}

		user, err := client.UpsertUser(r.Context(), caller.ClerkID, req.Email, req.Name)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		hlog.FromRequest(r).Debug().Int64("user_id", user.ID).Str("clerk_id", user.ClerkID).Msg("user synced")
		writeJSON(w, http.StatusOK, user)
	}
}
