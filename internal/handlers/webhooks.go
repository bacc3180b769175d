package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	stripeapi "github.com/stripe/stripe-go/v79"

	"github.com/PortNumber53/gymhub/backend/internal/billing"
)

// MaxWebhookBody bounds the size of an accepted provider event.
const MaxWebhookBody = 65536

const webhookProcessTimeout = 30 * time.Second

// WebhookVerifier checks the provider signature and parses the event.
type WebhookVerifier interface {
	ConstructWebhookEvent(body []byte, signatureHeader string) (stripeapi.Event, error)
}

// EventProcessor applies a verified provider event.
type EventProcessor interface {
	Process(ctx context.Context, event stripeapi.Event) (billing.Outcome, error)
}

// StripeWebhook receives Stripe events. A 2xx tells Stripe not to redeliver,
// so only transient processing failures are answered with 500, and a
// redelivery racing an unfinished attempt with 409.
func StripeWebhook(verifier WebhookVerifier, processor EventProcessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, r, http.StatusRequestEntityTooLarge, CodeBadRequest, "payload too large")
				return
			}
			writeError(w, r, http.StatusBadRequest, CodeBadRequest, "failed to read body")
			return
		}

		event, err := verifier.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			logger.Warn().Err(err).Msg("stripe webhook signature rejected")
			writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid signature")
			return
		}

		// Processing outlives a disconnecting client so ledger state stays consistent.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), webhookProcessTimeout)
		defer cancel()

		outcome, err := processor.Process(ctx, event)
		if errors.Is(err, billing.ErrEventInFlight) {
			logger.Warn().Str("event_id", event.ID).Msg("stripe webhook redelivered while in flight")
			writeError(w, r, http.StatusConflict, CodeConflict, "event is still being processed")
			return
		}
		if err != nil {
			logger.Error().Err(err).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Msg("stripe webhook processing failed")
			writeError(w, r, http.StatusInternalServerError, CodeInternal, "event processing failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
	}
}
