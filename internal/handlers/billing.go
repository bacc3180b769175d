package handlers

import (
	"context"
	"net/http"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// PaymentLister loads recorded invoice payments.
type PaymentLister interface {
	GetPaymentHistory(ctx context.Context, userID int64) ([]models.PaymentHistory, error)
}

// WebhookEventLister loads webhook ledger entries.
type WebhookEventLister interface {
	ListWebhookEvents(ctx context.Context, filter models.WebhookEventFilter) ([]models.WebhookEvent, error)
}

// Payments returns the caller's payment history, newest first.
func Payments(client PaymentLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := auth.IdentityFromContext(r.Context())
		payments := []models.PaymentHistory{}
		if caller.UserID != 0 {
			list, err := client.GetPaymentHistory(r.Context(), caller.UserID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			if list != nil {
				payments = list
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

// WebhookEvents lists ledger entries; ?failed=true restricts to events that
// were recorded with an error and not processed since.
func WebhookEvents(client WebhookEventLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := models.WebhookEventFilter{
			FailedOnly: r.URL.Query().Get("failed") == "true",
			Limit:      queryLimit(r, 100),
		}
		events, err := client.ListWebhookEvents(r.Context(), filter)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if events == nil {
			events = []models.WebhookEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}
