package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
	"github.com/PortNumber53/gymhub/backend/internal/membership"
	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/plans"
	"github.com/PortNumber53/gymhub/backend/internal/stripe"
)

// MembershipService is the subset of membership.Service used over HTTP.
type MembershipService interface {
	Current(ctx context.Context, caller models.Identity, userID int64) (*models.Membership, error)
	History(ctx context.Context, caller models.Identity, userID int64) ([]models.Membership, error)
	Cancel(ctx context.Context, caller models.Identity, userID int64) (*models.Membership, error)
	Grant(ctx context.Context, caller models.Identity, userID int64, planType models.PlanType) (*models.Membership, error)
}

// CheckoutCreator starts a hosted checkout with the payment provider.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (sessionID, sessionURL string, err error)
}

// MembershipHandler serves the member and admin membership endpoints.
type MembershipHandler struct {
	service  MembershipService
	checkout CheckoutCreator
	catalog  *plans.Catalog
	baseURL  string
}

// NewMembershipHandler creates a MembershipHandler. baseURL is the public
// frontend origin used for checkout redirects.
func NewMembershipHandler(service MembershipService, checkout CheckoutCreator, catalog *plans.Catalog, baseURL string) *MembershipHandler {
	return &MembershipHandler{
		service:  service,
		checkout: checkout,
		catalog:  catalog,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// requireLocalUser writes a 404 and returns false when the caller has not
// synced a local user record yet.
func requireLocalUser(w http.ResponseWriter, r *http.Request, caller models.Identity) bool {
	if caller.UserID != 0 {
		return true
	}
	writeError(w, r, http.StatusNotFound, CodeNotFound, "no local user for this account; call POST /api/me/sync first")
	return false
}

// Current returns the caller's open membership.
func (h *MembershipHandler) Current(w http.ResponseWriter, r *http.Request) {
	caller := auth.IdentityFromContext(r.Context())
	if !requireLocalUser(w, r, caller) {
		return
	}
	m, err := h.service.Current(r.Context(), caller, caller.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// History lists every membership the caller has held.
func (h *MembershipHandler) History(w http.ResponseWriter, r *http.Request) {
	caller := auth.IdentityFromContext(r.Context())
	if caller.UserID == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"memberships": []models.Membership{}})
		return
	}
	list, err := h.service.History(r.Context(), caller, caller.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"memberships": list})
}

// Checkout starts a Stripe checkout for the requested plan. The membership
// itself is created when the provider reports the completed session.
func (h *MembershipHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := auth.IdentityFromContext(ctx)
	if !requireLocalUser(w, r, caller) {
		return
	}

	var req models.CheckoutRequest
	if rerr := decodeAndValidate(w, r, &req); rerr != nil {
		writeRequestError(w, r, rerr)
		return
	}

	plan, ok := h.catalog.Lookup(req.PlanType)
	if !ok || plan.StripePriceID == "" {
		writeError(w, r, http.StatusBadRequest, CodeInvalidPlan, "plan is not available for purchase")
		return
	}

	current, err := h.service.Current(ctx, caller, caller.UserID)
	switch {
	case err == nil && !current.CancelAtPeriodEnd:
		writeError(w, r, http.StatusConflict, CodeConflict, "an open membership already exists")
		return
	case err != nil && !errors.Is(err, membership.ErrNotFound):
		writeServiceError(w, r, err)
		return
	}

	successURL, cancelURL, ok := h.redirects(req)
	if !ok {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "redirect URLs must point at "+h.baseURL)
		return
	}

	sessionID, sessionURL, err := h.checkout.CreateCheckoutSession(ctx, stripe.CheckoutParams{
		PriceID:       plan.StripePriceID,
		CustomerEmail: caller.Email,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		UserID:        caller.UserID,
		ClerkID:       caller.ClerkID,
		PlanType:      plan.Type,
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("user_id", caller.UserID).Msg("create checkout session failed")
		writeError(w, r, http.StatusBadGateway, CodeProviderError, "failed to create checkout session")
		return
	}

	hlog.FromRequest(r).Info().
		Int64("user_id", caller.UserID).
		Str("plan_type", string(plan.Type)).
		Str("session_id", sessionID).
		Msg("checkout session created")
	writeJSON(w, http.StatusOK, models.CheckoutResponse{SessionID: sessionID, SessionURL: sessionURL})
}

func (h *MembershipHandler) redirects(req models.CheckoutRequest) (success, cancel string, ok bool) {
	success = h.baseURL + "/membership?checkout=success&session_id={CHECKOUT_SESSION_ID}"
	cancel = h.baseURL + "/membership?checkout=cancelled"
	if req.SuccessURL != "" {
		if !strings.HasPrefix(req.SuccessURL, h.baseURL+"/") {
			return "", "", false
		}
		success = req.SuccessURL
	}
	if req.CancelURL != "" {
		if !strings.HasPrefix(req.CancelURL, h.baseURL+"/") {
			return "", "", false
		}
		cancel = req.CancelURL
	}
	return success, cancel, true
}

// Cancel schedules the caller's membership to end with the current period.
func (h *MembershipHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller := auth.IdentityFromContext(r.Context())
	if !requireLocalUser(w, r, caller) {
		return
	}
	m, err := h.service.Cancel(r.Context(), caller, caller.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Grant lets an admin give a user a membership without checkout.
func (h *MembershipHandler) Grant(w http.ResponseWriter, r *http.Request) {
	caller := auth.IdentityFromContext(r.Context())

	var req models.GrantRequest
	if rerr := decodeAndValidate(w, r, &req); rerr != nil {
		writeRequestError(w, r, rerr)
		return
	}

	m, err := h.service.Grant(r.Context(), caller, req.UserID, req.PlanType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().
		Int64("user_id", req.UserID).
		Str("plan_type", string(req.PlanType)).
		Str("granted_by", caller.ClerkID).
		Msg("membership granted")
	writeJSON(w, http.StatusCreated, m)
}

// ForUser returns the open membership and history of any user.
func (h *MembershipHandler) ForUser(w http.ResponseWriter, r *http.Request) {
	caller := auth.IdentityFromContext(r.Context())
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid user id")
		return
	}

	history, err := h.service.History(r.Context(), caller, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []models.Membership{}
	}

	var current *models.Membership
	m, err := h.service.Current(r.Context(), caller, userID)
	switch {
	case err == nil:
		current = m
	case !errors.Is(err, membership.ErrNotFound):
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"current":     current,
		"memberships": history,
	})
}
