// Package membership applies membership state transitions on behalf of an
// explicit caller identity or the webhook consumer.
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/plans"
	"github.com/PortNumber53/gymhub/backend/internal/store"
)

// Store is the persistence the service needs.
type Store interface {
	UpsertActiveMembership(ctx context.Context, m *models.Membership) error
	UpdateMembership(ctx context.Context, m *models.Membership) error
	GetActiveMembership(ctx context.Context, userID int64) (*models.Membership, error)
	GetMembershipBySubscriptionID(ctx context.Context, subID string) (*models.Membership, error)
	GetMembershipByID(ctx context.Context, id int64) (*models.Membership, error)
	ListMemberships(ctx context.Context, userID int64) ([]models.Membership, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// Billing is the payment provider operation used by user cancellation.
type Billing interface {
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error
}

// Notifier hands a notice off for delivery. It never reports failure to the
// caller.
type Notifier interface {
	Dispatch(ctx context.Context, notice models.Notice)
}

// ExpiryScheduler arranges for Expire to run on a membership at a given time.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, membershipID int64, at time.Time) error
}

// TransitionObserver is told about every persisted status change.
type TransitionObserver func(from, to models.MembershipStatus)

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithExpiryScheduler sets where memberships without a Stripe subscription
// get their end scheduled.
func WithExpiryScheduler(es ExpiryScheduler) Option {
	return func(s *Service) { s.expiry = es }
}

// WithTransitionObserver registers a status change observer.
func WithTransitionObserver(fn TransitionObserver) Option {
	return func(s *Service) { s.observe = fn }
}

// Service implements the membership mutation handlers.
type Service struct {
	store    Store
	catalog  *plans.Catalog
	billing  Billing
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
	observe  TransitionObserver
	expiry   ExpiryScheduler
}

// NewService wires a Service.
func NewService(st Store, catalog *plans.Catalog, billing Billing, notifier Notifier, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		catalog:  catalog,
		billing:  billing,
		notifier: notifier,
		logger:   logger.With().Str("component", "membership").Logger(),
		now:      time.Now,
		observe:  func(models.MembershipStatus, models.MembershipStatus) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubscribeInput carries the plan and billing window for Subscribe. A zero
// period is computed from the plan duration starting now.
type SubscribeInput struct {
	UserID               int64
	PlanType             models.PlanType
	StripeCustomerID     string
	StripeSubscriptionID string
	StripePriceID        string
	PeriodStart          time.Time
	PeriodEnd            time.Time
}

// ProviderUpdate is a subscription snapshot reported by Stripe.
type ProviderUpdate struct {
	SubscriptionID    string
	CustomerID        string
	PriceID           string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

func authorize(caller models.Identity, userID int64) error {
	if !caller.Authenticated() {
		return ErrNotAuthenticated
	}
	if !caller.CanActOn(userID) {
		return ErrUnauthorized
	}
	return nil
}

// Subscribe activates the user's membership on the given plan.
func (s *Service) Subscribe(ctx context.Context, caller models.Identity, in SubscribeInput) (*models.Membership, error) {
	if err := authorize(caller, in.UserID); err != nil {
		return nil, err
	}
	plan, ok := s.catalog.Lookup(in.PlanType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, in.PlanType)
	}

	user, err := s.store.GetUserByID(ctx, in.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, in.UserID)
	}
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetActiveMembership(ctx, in.UserID)
	if err != nil && !errors.Is(err, store.ErrMembershipNotFound) {
		return nil, err
	}

	from := models.MembershipPending
	if existing != nil {
		from = existing.Status
	}
	status, err := transition(ctx, from, eventActivate)
	if err != nil {
		return nil, err
	}

	start, end := in.PeriodStart, in.PeriodEnd
	if start.IsZero() {
		start = s.now().UTC()
	}
	if end.IsZero() || !end.After(start) {
		end = start.AddDate(0, plan.Months, 0)
	}
	priceID := in.StripePriceID
	if priceID == "" {
		priceID = plan.StripePriceID
	}

	m := &models.Membership{
		UserID:               user.ID,
		ClerkID:              user.ClerkID,
		MembershipType:       plan.Type,
		Status:               status,
		StripeCustomerID:     in.StripeCustomerID,
		StripeSubscriptionID: in.StripeSubscriptionID,
		StripePriceID:        priceID,
		CurrentPeriodStart:   start,
		CurrentPeriodEnd:     end,
	}
	if existing != nil {
		// Keep provider ids that a comp grant does not carry.
		if m.StripeCustomerID == "" {
			m.StripeCustomerID = existing.StripeCustomerID
		}
		if m.StripeSubscriptionID == "" {
			m.StripeSubscriptionID = existing.StripeSubscriptionID
		}
	}
	if err := s.store.UpsertActiveMembership(ctx, m); err != nil {
		return nil, err
	}
	if err := s.scheduleExpiry(ctx, m); err != nil {
		return nil, err
	}

	if from != m.Status {
		s.observe(from, m.Status)
	}
	s.logger.Info().
		Int64("user_id", m.UserID).
		Int64("membership_id", m.ID).
		Str("plan", string(m.MembershipType)).
		Str("subscription_id", m.StripeSubscriptionID).
		Msg("membership activated")

	replay := existing != nil &&
		existing.MembershipType == m.MembershipType &&
		existing.StripeSubscriptionID == m.StripeSubscriptionID &&
		existing.Status == models.MembershipActive
	if !replay {
		s.notify(ctx, models.NoticeWelcome, m)
	}
	return m, nil
}

// Grant gives a user a membership without checkout. Only admins may grant.
func (s *Service) Grant(ctx context.Context, caller models.Identity, userID int64, planType models.PlanType) (*models.Membership, error) {
	if !caller.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	if caller.Role != models.RoleAdmin {
		return nil, ErrUnauthorized
	}
	return s.Subscribe(ctx, caller, SubscribeInput{UserID: userID, PlanType: planType})
}

// Renew extends the billing window of the membership billed by subscriptionID.
// The plan type is never changed and the period end never moves backwards.
func (s *Service) Renew(ctx context.Context, subscriptionID string, periodStart, periodEnd time.Time) (*models.Membership, error) {
	m, err := s.bySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	from := m.Status
	status, err := transition(ctx, from, eventActivate)
	if err != nil {
		return nil, err
	}

	previousEnd := m.CurrentPeriodEnd
	m.Status = status
	m.CurrentPeriodStart = periodStart
	m.CurrentPeriodEnd = periodEnd
	if err := s.store.UpdateMembership(ctx, m); err != nil {
		return nil, err
	}

	if from != m.Status {
		s.observe(from, m.Status)
	}
	if m.CurrentPeriodEnd.After(previousEnd) {
		s.logger.Info().
			Int64("membership_id", m.ID).
			Time("period_end", m.CurrentPeriodEnd).
			Msg("membership renewed")
		s.notify(ctx, models.NoticeRenewed, m)
	}
	return m, nil
}

// Cancel schedules the user's membership to end at the close of the current
// period. The status is left unchanged until the provider confirms the end.
func (s *Service) Cancel(ctx context.Context, caller models.Identity, userID int64) (*models.Membership, error) {
	if err := authorize(caller, userID); err != nil {
		return nil, err
	}

	m, err := s.store.GetActiveMembership(ctx, userID)
	if errors.Is(err, store.ErrMembershipNotFound) {
		return nil, fmt.Errorf("%w: no open membership for user %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	if m.CancelAtPeriodEnd {
		return m, nil
	}

	if m.StripeSubscriptionID != "" {
		if err := s.billing.CancelSubscription(ctx, m.StripeSubscriptionID, true); err != nil {
			return nil, fmt.Errorf("%w: cancel subscription %s: %v", ErrProvider, m.StripeSubscriptionID, err)
		}
	}

	now := s.now().UTC()
	m.CancelAtPeriodEnd = true
	m.CanceledAt = &now
	if err := s.store.UpdateMembership(ctx, m); err != nil {
		return nil, err
	}
	if err := s.scheduleExpiry(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("membership_id", m.ID).
		Time("period_end", m.CurrentPeriodEnd).
		Msg("membership cancellation scheduled")
	s.notify(ctx, models.NoticeCancellationScheduled, m)
	return m, nil
}

// ApplyProviderUpdate syncs a membership with the subscription state reported
// by Stripe.
func (s *Service) ApplyProviderUpdate(ctx context.Context, u ProviderUpdate) (*models.Membership, error) {
	m, err := s.bySubscription(ctx, u.SubscriptionID)
	if err != nil {
		return nil, err
	}

	target, ok := StatusFromProvider(u.Status)
	if !ok {
		target = m.Status
	}
	from := m.Status
	status, err := transition(ctx, from, eventFor(target))
	if err != nil {
		return nil, err
	}

	wasScheduled := m.CancelAtPeriodEnd
	m.Status = status
	m.CancelAtPeriodEnd = u.CancelAtPeriodEnd
	if u.CustomerID != "" {
		m.StripeCustomerID = u.CustomerID
	}
	if plan, found := s.catalog.ByPriceID(u.PriceID); found {
		m.MembershipType = plan.Type
		m.StripePriceID = plan.StripePriceID
	}
	if !u.PeriodEnd.IsZero() {
		m.CurrentPeriodStart = u.PeriodStart
		m.CurrentPeriodEnd = u.PeriodEnd
	}
	now := s.now().UTC()
	if m.CancelAtPeriodEnd && m.CanceledAt == nil {
		m.CanceledAt = &now
	}
	if !m.CancelAtPeriodEnd && m.Status != models.MembershipCancelled {
		m.CanceledAt = nil
	}
	ended := from != models.MembershipCancelled && m.Status == models.MembershipCancelled
	if ended {
		m.EndedAt = &now
	}

	if err := s.store.UpdateMembership(ctx, m); err != nil {
		return nil, err
	}

	if from != m.Status {
		s.observe(from, m.Status)
	}
	s.logger.Info().
		Int64("membership_id", m.ID).
		Str("provider_status", u.Status).
		Str("status", string(m.Status)).
		Bool("cancel_at_period_end", m.CancelAtPeriodEnd).
		Msg("membership synced with provider")

	switch {
	case ended:
		s.notify(ctx, models.NoticeMembershipEnded, m)
	case m.CancelAtPeriodEnd && !wasScheduled:
		s.notify(ctx, models.NoticeCancellationScheduled, m)
	}
	return m, nil
}

// Terminate marks the membership billed by subscriptionID as cancelled. Other
// memberships are untouched and repeated calls are no-ops.
func (s *Service) Terminate(ctx context.Context, subscriptionID string) (*models.Membership, error) {
	m, err := s.bySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return s.end(ctx, m)
}

// Expire ends a membership that has no Stripe subscription once its period is
// over. Memberships billed by Stripe, already ended, or extended past now are
// returned unchanged.
func (s *Service) Expire(ctx context.Context, membershipID int64) (*models.Membership, error) {
	m, err := s.store.GetMembershipByID(ctx, membershipID)
	if errors.Is(err, store.ErrMembershipNotFound) {
		return nil, fmt.Errorf("%w: membership %d", ErrNotFound, membershipID)
	}
	if err != nil {
		return nil, err
	}
	if m.StripeSubscriptionID != "" || m.CurrentPeriodEnd.After(s.now()) {
		return m, nil
	}
	return s.end(ctx, m)
}

func (s *Service) end(ctx context.Context, m *models.Membership) (*models.Membership, error) {
	if m.Status == models.MembershipCancelled {
		return m, nil
	}

	from := m.Status
	status, err := transition(ctx, from, eventCancel)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m.Status = status
	m.EndedAt = &now
	if m.CanceledAt == nil {
		m.CanceledAt = &now
	}
	if err := s.store.UpdateMembership(ctx, m); err != nil {
		return nil, err
	}

	s.observe(from, m.Status)
	s.logger.Info().
		Int64("membership_id", m.ID).
		Str("subscription_id", m.StripeSubscriptionID).
		Msg("membership ended")
	s.notify(ctx, models.NoticeMembershipEnded, m)
	return m, nil
}

// scheduleExpiry queues the end of memberships Stripe will never end.
func (s *Service) scheduleExpiry(ctx context.Context, m *models.Membership) error {
	if s.expiry == nil || m.StripeSubscriptionID != "" {
		return nil
	}
	if err := s.expiry.ScheduleExpiry(ctx, m.ID, m.CurrentPeriodEnd); err != nil {
		return fmt.Errorf("schedule expiry of membership %d: %w", m.ID, err)
	}
	return nil
}

// Current returns the user's open membership.
func (s *Service) Current(ctx context.Context, caller models.Identity, userID int64) (*models.Membership, error) {
	if err := authorize(caller, userID); err != nil {
		return nil, err
	}
	m, err := s.store.GetActiveMembership(ctx, userID)
	if errors.Is(err, store.ErrMembershipNotFound) {
		return nil, fmt.Errorf("%w: no open membership for user %d", ErrNotFound, userID)
	}
	return m, err
}

// History returns every membership the user has held, including cancelled ones.
func (s *Service) History(ctx context.Context, caller models.Identity, userID int64) ([]models.Membership, error) {
	if err := authorize(caller, userID); err != nil {
		return nil, err
	}
	return s.store.ListMemberships(ctx, userID)
}

// ForSubscription returns the membership billed by subscriptionID.
func (s *Service) ForSubscription(ctx context.Context, subscriptionID string) (*models.Membership, error) {
	return s.bySubscription(ctx, subscriptionID)
}

func (s *Service) bySubscription(ctx context.Context, subscriptionID string) (*models.Membership, error) {
	m, err := s.store.GetMembershipBySubscriptionID(ctx, subscriptionID)
	if errors.Is(err, store.ErrMembershipNotFound) {
		return nil, fmt.Errorf("%w: subscription %q", ErrNotFound, subscriptionID)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NotifyPaymentFailed tells the member that a renewal charge failed.
func (s *Service) NotifyPaymentFailed(ctx context.Context, m *models.Membership) {
	s.notify(ctx, models.NoticePaymentFailed, m)
}

// notify runs only after the mutation has been committed.
func (s *Service) notify(ctx context.Context, kind models.NoticeKind, m *models.Membership) {
	end := m.CurrentPeriodEnd
	s.notifier.Dispatch(ctx, models.Notice{
		Kind:         kind,
		UserID:       m.UserID,
		MembershipID: m.ID,
		PlanType:     m.MembershipType,
		PeriodEnd:    &end,
	})
}
