// Package billing consumes Stripe webhook events: each event is claimed in the
// ledger exactly once and routed to the membership mutation it describes.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v79"

	"github.com/PortNumber53/gymhub/backend/internal/membership"
	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/store"
	"github.com/PortNumber53/gymhub/backend/internal/stripe"
)

// Outcome summarises what Process did with an event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeInFlight  Outcome = "in_flight"
	OutcomeFailed    Outcome = "failed"
)

// DefaultStaleAfter is how long an unfinished ledger row blocks redeliveries
// before it is considered abandoned.
const DefaultStaleAfter = 10 * time.Minute

var (
	// ErrMalformedEvent marks payloads that can never be processed.
	ErrMalformedEvent = errors.New("billing: malformed event")
	// ErrEventInFlight is returned for a redelivery of an event whose earlier
	// attempt has neither finished nor gone stale. Stripe should retry it.
	ErrEventInFlight = errors.New("billing: event is still being processed")
	// ErrMembershipPending is returned for invoices that arrive before the
	// checkout that creates their membership.
	ErrMembershipPending = errors.New("billing: membership for subscription not created yet")
)

// Ledger is the webhook event ledger.
type Ledger interface {
	GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	CreateEvent(ctx context.Context, eventID, eventType string, processed bool) (int64, bool, error)
	ReclaimFailedEvent(ctx context.Context, eventID string, staleAfter time.Duration) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string, processed bool) (int64, error)
	MarkFailed(ctx context.Context, eventID, eventType, errMsg string) (int64, error)
}

// Payments records invoice payments.
type Payments interface {
	SavePayment(ctx context.Context, p *models.PaymentHistory) error
}

// Memberships is the subset of membership.Service the consumer drives.
type Memberships interface {
	Subscribe(ctx context.Context, caller models.Identity, in membership.SubscribeInput) (*models.Membership, error)
	Renew(ctx context.Context, subscriptionID string, periodStart, periodEnd time.Time) (*models.Membership, error)
	ApplyProviderUpdate(ctx context.Context, u membership.ProviderUpdate) (*models.Membership, error)
	Terminate(ctx context.Context, subscriptionID string) (*models.Membership, error)
	ForSubscription(ctx context.Context, subscriptionID string) (*models.Membership, error)
	NotifyPaymentFailed(ctx context.Context, m *models.Membership)
}

// Subscriptions fetches subscription state from Stripe.
type Subscriptions interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.SubscriptionInfo, error)
}

// OutcomeObserver is told the outcome of every processed event.
type OutcomeObserver func(eventType string, outcome Outcome)

// Processor implements the webhook consumer.
type Processor struct {
	ledger        Ledger
	payments      Payments
	memberships   Memberships
	subscriptions Subscriptions
	logger        zerolog.Logger
	staleAfter    time.Duration
	observe       OutcomeObserver
}

// Option configures a Processor.
type Option func(*Processor)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Processor) { p.staleAfter = d }
}

// WithOutcomeObserver registers an outcome observer.
func WithOutcomeObserver(fn OutcomeObserver) Option {
	return func(p *Processor) { p.observe = fn }
}

// NewProcessor wires a Processor.
func NewProcessor(ledger Ledger, payments Payments, memberships Memberships, subscriptions Subscriptions, logger zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		ledger:        ledger,
		payments:      payments,
		memberships:   memberships,
		subscriptions: subscriptions,
		logger:        logger.With().Str("component", "billing").Logger(),
		staleAfter:    DefaultStaleAfter,
		observe:       func(string, Outcome) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process claims the event in the ledger and applies it. A nil error means the
// event should be acknowledged; a non-nil error means Stripe should redeliver.
func (p *Processor) Process(ctx context.Context, event stripeapi.Event) (Outcome, error) {
	eventType := string(event.Type)
	log := p.logger.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()

	if event.ID == "" {
		p.observe(eventType, OutcomeRejected)
		return OutcomeRejected, nil
	}

	_, created, err := p.ledger.CreateEvent(ctx, event.ID, eventType, false)
	if err != nil {
		p.observe(eventType, OutcomeFailed)
		return OutcomeFailed, fmt.Errorf("record event: %w", err)
	}
	if !created {
		reclaimed, err := p.ledger.ReclaimFailedEvent(ctx, event.ID, p.staleAfter)
		if err != nil {
			p.observe(eventType, OutcomeFailed)
			return OutcomeFailed, fmt.Errorf("reclaim event: %w", err)
		}
		if !reclaimed {
			log.Info().Msg("duplicate event skipped")
			p.observe(eventType, OutcomeDuplicate)
			return OutcomeDuplicate, nil
		}
		log.Info().Msg("retrying previously failed event")
	}

	handled, err := p.route(ctx, event, log)
	if err != nil {
		if _, markErr := p.ledger.MarkFailed(ctx, event.ID, eventType, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("failed to record event failure")
		}
		if permanent(err) {
			log.Warn().Err(err).Msg("event rejected")
			p.observe(eventType, OutcomeRejected)
			return OutcomeRejected, nil
		}
		log.Error().Err(err).Msg("event processing failed")
		p.observe(eventType, OutcomeFailed)
		return OutcomeFailed, err
	}

	if _, err := p.ledger.MarkProcessed(ctx, event.ID, eventType, true); err != nil {
		// The mutation is committed; a redelivery replays it idempotently.
		log.Error().Err(err).Msg("failed to mark event processed")
		p.observe(eventType, OutcomeFailed)
		return OutcomeFailed, fmt.Errorf("mark processed: %w", err)
	}

	outcome := OutcomeProcessed
	if !handled {
		outcome = OutcomeIgnored
	}
	log.Info().Str("outcome", string(outcome)).Msg("event handled")
	p.observe(eventType, outcome)
	return outcome, nil
}

// unclaimed answers a redelivery that could not claim the ledger row. Only a
// processed row is a duplicate; an unfinished one must be redelivered later.
func (p *Processor) unclaimed(ctx context.Context, eventID, eventType string, log zerolog.Logger) (Outcome, error) {
	evt, err := p.ledger.GetEvent(ctx, eventID)
	if err != nil {
		p.observe(eventType, OutcomeFailed)
		return OutcomeFailed, fmt.Errorf("load event: %w", err)
	}
	if evt.Processed {
		log.Info().Msg("duplicate event skipped")
		p.observe(eventType, OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}
	log.Warn().Time("updated_at", evt.UpdatedAt).Msg("event still in flight")
	p.observe(eventType, OutcomeInFlight)
	return OutcomeInFlight, ErrEventInFlight
}

func permanent(err error) bool {
	return errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, membership.ErrInvalidPlan) ||
		errors.Is(err, membership.ErrInvalidTransition) ||
		errors.Is(err, membership.ErrNotFound) ||
		errors.Is(err, membership.ErrUnauthorized)
}

func (p *Processor) route(ctx context.Context, event stripeapi.Event, log zerolog.Logger) (bool, error) {
	if event.Data == nil {
		return false, fmt.Errorf("%w: no data", ErrMalformedEvent)
	}

	switch event.Type {
	case stripeapi.EventTypeCheckoutSessionCompleted:
		var sess stripeapi.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return false, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
		}
		return true, p.checkoutCompleted(ctx, &sess, log)

	case stripeapi.EventTypeCustomerSubscriptionCreated,
		stripeapi.EventTypeCustomerSubscriptionUpdated:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return false, fmt.Errorf("%w: subscription: %v", ErrMalformedEvent, err)
		}
		return p.subscriptionUpdated(ctx, stripe.SubscriptionInfoFrom(&sub), log)

	case stripeapi.EventTypeCustomerSubscriptionDeleted:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return false, fmt.Errorf("%w: subscription: %v", ErrMalformedEvent, err)
		}
		return p.subscriptionDeleted(ctx, sub.ID, log)

	case stripeapi.EventTypeInvoicePaymentSucceeded:
		var inv stripeapi.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return false, fmt.Errorf("%w: invoice: %v", ErrMalformedEvent, err)
		}
		return p.paymentSucceeded(ctx, &inv, log)

	case stripeapi.EventTypeInvoicePaymentFailed:
		var inv stripeapi.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return false, fmt.Errorf("%w: invoice: %v", ErrMalformedEvent, err)
		}
		return p.paymentFailed(ctx, &inv, log)
	}

	log.Debug().Msg("unhandled event type")
	return false, nil
}

func (p *Processor) checkoutCompleted(ctx context.Context, sess *stripeapi.CheckoutSession, log zerolog.Logger) error {
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		return fmt.Errorf("%w: checkout session %s has no subscription", ErrMalformedEvent, sess.ID)
	}
	userID, err := strconv.ParseInt(sess.Metadata[stripe.MetaUserID], 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("%w: checkout session %s missing %s metadata", ErrMalformedEvent, sess.ID, stripe.MetaUserID)
	}
	planType := models.PlanType(sess.Metadata[stripe.MetaPlanType])

	sub, err := p.subscriptions.GetSubscription(ctx, sess.Subscription.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", membership.ErrProvider, err)
	}

	in := membership.SubscribeInput{
		UserID:               userID,
		PlanType:             planType,
		StripeCustomerID:     sub.CustomerID,
		StripeSubscriptionID: sub.ID,
		StripePriceID:        sub.PriceID,
		PeriodStart:          sub.PeriodStart,
		PeriodEnd:            sub.PeriodEnd,
	}
	if in.StripeCustomerID == "" && sess.Customer != nil {
		in.StripeCustomerID = sess.Customer.ID
	}

	m, err := p.memberships.Subscribe(ctx, models.SystemIdentity(userID, sess.Metadata[stripe.MetaClerkID]), in)
	if err != nil {
		return err
	}
	log.Info().Int64("user_id", userID).Int64("membership_id", m.ID).Str("plan", string(planType)).Msg("checkout completed")
	return nil
}

func (p *Processor) subscriptionUpdated(ctx context.Context, sub *stripe.SubscriptionInfo, log zerolog.Logger) (bool, error) {
	_, err := p.memberships.ApplyProviderUpdate(ctx, membership.ProviderUpdate{
		SubscriptionID:    sub.ID,
		CustomerID:        sub.CustomerID,
		PriceID:           sub.PriceID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodStart:       sub.PeriodStart,
		PeriodEnd:         sub.PeriodEnd,
	})
	if errors.Is(err, membership.ErrNotFound) {
		// Subscriptions are created locally by checkout.session.completed.
		log.Info().Str("subscription_id", sub.ID).Msg("no membership for subscription yet")
		return false, nil
	}
	return err == nil, err
}

func (p *Processor) subscriptionDeleted(ctx context.Context, subscriptionID string, log zerolog.Logger) (bool, error) {
	_, err := p.memberships.Terminate(ctx, subscriptionID)
	if errors.Is(err, membership.ErrNotFound) {
		log.Info().Str("subscription_id", subscriptionID).Msg("no membership for deleted subscription")
		return false, nil
	}
	return err == nil, err
}

func (p *Processor) paymentSucceeded(ctx context.Context, inv *stripeapi.Invoice, log zerolog.Logger) (bool, error) {
	m, err := p.invoiceMembership(ctx, inv, log)
	if m == nil || err != nil {
		return false, err
	}

	if err := p.recordPayment(ctx, m, inv, "succeeded", inv.AmountPaid); err != nil {
		return false, err
	}

	switch inv.BillingReason {
	case stripeapi.InvoiceBillingReasonSubscriptionCycle, stripeapi.InvoiceBillingReasonSubscriptionUpdate:
		start, end := invoicePeriod(inv)
		if end.IsZero() {
			return false, fmt.Errorf("%w: invoice %s has no line period", ErrMalformedEvent, inv.ID)
		}
		if _, err := p.memberships.Renew(ctx, m.StripeSubscriptionID, start, end); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (p *Processor) paymentFailed(ctx context.Context, inv *stripeapi.Invoice, log zerolog.Logger) (bool, error) {
	m, err := p.invoiceMembership(ctx, inv, log)
	if m == nil || err != nil {
		return false, err
	}
	if err := p.recordPayment(ctx, m, inv, "failed", inv.AmountDue); err != nil {
		return false, err
	}
	p.memberships.NotifyPaymentFailed(ctx, m)
	return true, nil
}

// invoiceMembership returns nil without error for invoices that do not belong
// to a membership subscription.
func (p *Processor) invoiceMembership(ctx context.Context, inv *stripeapi.Invoice, log zerolog.Logger) (*models.Membership, error) {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		log.Debug().Str("invoice_id", inv.ID).Msg("invoice without subscription")
		return nil, nil
	}
	m, err := p.memberships.ForSubscription(ctx, inv.Subscription.ID)
	if !errors.Is(err, membership.ErrNotFound) {
		return m, err
	}

	meta, err := p.subscriptionMetadata(ctx, inv)
	if err != nil {
		return nil, err
	}
	if meta[stripe.MetaUserID] != "" {
		// Stripe does not order events; checkout.session.completed may still be on its way.
		return nil, fmt.Errorf("%w: invoice %s subscription %s", ErrMembershipPending, inv.ID, inv.Subscription.ID)
	}
	log.Info().Str("invoice_id", inv.ID).Str("subscription_id", inv.Subscription.ID).Msg("no membership for invoice subscription")
	return nil, nil
}

func (p *Processor) subscriptionMetadata(ctx context.Context, inv *stripeapi.Invoice) (map[string]string, error) {
	if inv.SubscriptionDetails != nil && inv.SubscriptionDetails.Metadata != nil {
		return inv.SubscriptionDetails.Metadata, nil
	}
	sub, err := p.subscriptions.GetSubscription(ctx, inv.Subscription.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", membership.ErrProvider, err)
	}
	return sub.Metadata, nil
}

func (p *Processor) recordPayment(ctx context.Context, m *models.Membership, inv *stripeapi.Invoice, status string, amount int64) error {
	invoiceID := inv.ID
	membershipID := m.ID
	payment := &models.PaymentHistory{
		UserID:           m.UserID,
		MembershipID:     &membershipID,
		StripeCustomerID: m.StripeCustomerID,
		StripeInvoiceID:  &invoiceID,
		Amount:           amount,
		Currency:         strings.ToLower(string(inv.Currency)),
		Status:           status,
	}
	if inv.Customer != nil && inv.Customer.ID != "" {
		payment.StripeCustomerID = inv.Customer.ID
	}
	if inv.Description != "" {
		desc := inv.Description
		payment.Description = &desc
	}
	if inv.HostedInvoiceURL != "" {
		url := inv.HostedInvoiceURL
		payment.ReceiptURL = &url
	}
	if err := p.payments.SavePayment(ctx, payment); err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

func invoicePeriod(inv *stripeapi.Invoice) (time.Time, time.Time) {
	if inv.Lines == nil {
		return time.Time{}, time.Time{}
	}
	for _, line := range inv.Lines.Data {
		if line == nil || line.Period == nil || line.Period.End == 0 {
			continue
		}
		return time.Unix(line.Period.Start, 0).UTC(), time.Unix(line.Period.End, 0).UTC()
	}
	return time.Time{}, time.Time{}
}

var (
	_ Ledger   = (*store.Store)(nil)
	_ Payments = (*store.Store)(nil)
)
