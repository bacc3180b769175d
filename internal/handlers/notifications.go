package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
	"github.com/PortNumber53/gymhub/backend/internal/models"
)

const defaultNotificationPageSize = 50

// NotificationStore reads and acknowledges in-app notifications.
type NotificationStore interface {
	ListNotifications(ctx context.Context, userID int64, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id int64) error
}

// Notifications lists the caller's in-app notifications, newest first.
func Notifications(client NotificationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := auth.IdentityFromContext(r.Context())
		out := []models.Notification{}
		if caller.UserID != 0 {
			list, err := client.ListNotifications(r.Context(), caller.UserID, queryLimit(r, defaultNotificationPageSize))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			if list != nil {
				out = list
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
	}
}

// MarkNotificationRead acknowledges one of the caller's notifications.
func MarkNotificationRead(client NotificationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := auth.IdentityFromContext(r.Context())
		if !requireLocalUser(w, r, caller) {
			return
		}
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid notification id")
			return
		}
		if err := client.MarkNotificationRead(r.Context(), caller.UserID, id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
