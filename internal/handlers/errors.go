package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/gymhub/backend/internal/membership"
	"github.com/PortNumber53/gymhub/backend/internal/store"
)

// Error codes returned in the error envelope.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeUnauthorized     = "unauthorized"
	CodeNotFound         = "not_found"
	CodeInvalidPlan      = "invalid_plan"
	CodeBadRequest       = "bad_request"
	CodeConflict         = "conflict"
	CodeProviderError    = "provider_error"
	CodeInternal         = "internal"
)

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeServiceError maps domain errors onto the envelope. Anything
// unrecognised is logged and reported as internal.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, membership.ErrNotAuthenticated):
		writeError(w, r, http.StatusUnauthorized, CodeNotAuthenticated, "authentication required")
	case errors.Is(err, membership.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, CodeUnauthorized, "not allowed to act on this user")
	case errors.Is(err, membership.ErrInvalidPlan):
		writeError(w, r, http.StatusBadRequest, CodeInvalidPlan, err.Error())
	case errors.Is(err, membership.ErrInvalidTransition),
		errors.Is(err, store.ErrJobNotCancellable):
		writeError(w, r, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, membership.ErrNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrMembershipNotFound),
		errors.Is(err, store.ErrNotificationNotFound),
		errors.Is(err, store.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, membership.ErrProvider):
		hlog.FromRequest(r).Warn().Err(err).Msg("payment provider call failed")
		writeError(w, r, http.StatusBadGateway, CodeProviderError, "payment provider unavailable")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
