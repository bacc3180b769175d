package models

import "time"

// PlanType identifies one of the membership plans sold by the gym.
type PlanType string

const (
	PlanMonthly            PlanType = "monthly"
	PlanSixMonth           PlanType = "6-month"
	PlanTwelveMonth        PlanType = "12-month"
	PlanTwelveMonthUpfront PlanType = "12-month-upfront"
)

// PlanTypes lists every plan in display order.
var PlanTypes = []PlanType{
	PlanMonthly,
	PlanSixMonth,
	PlanTwelveMonth,
	PlanTwelveMonthUpfront,
}

// Valid reports whether p is one of the enumerated plans.
func (p PlanType) Valid() bool {
	for _, t := range PlanTypes {
		if p == t {
			return true
		}
	}
	return false
}

// MembershipStatus represents the lifecycle state of a membership.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipPending   MembershipStatus = "pending"
	MembershipCancelled MembershipStatus = "cancelled"
	MembershipSuspended MembershipStatus = "suspended"
)

// Membership is the single membership record a user holds. A user has at most
// one membership whose status is not cancelled.
type Membership struct {
	ID                   int64            `json:"id"`
	UserID               int64            `json:"user_id"`
	ClerkID              string           `json:"clerk_id"`
	MembershipType       PlanType         `json:"membership_type"`
	Status               MembershipStatus `json:"status"`
	StripeCustomerID     string           `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string           `json:"stripe_subscription_id,omitempty"`
	StripePriceID        string           `json:"stripe_price_id,omitempty"`
	CurrentPeriodStart   time.Time        `json:"current_period_start"`
	CurrentPeriodEnd     time.Time        `json:"current_period_end"`
	CancelAtPeriodEnd    bool             `json:"cancel_at_period_end"`
	CanceledAt           *time.Time       `json:"canceled_at,omitempty"`
	EndedAt              *time.Time       `json:"ended_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// WebhookEvent is a ledger entry for an inbound payment provider event.
type WebhookEvent struct {
	ID          int64      `json:"id"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	Processed   bool       `json:"processed"`
	Error       *string    `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// WebhookEventFilter narrows ListWebhookEvents.
type WebhookEventFilter struct {
	FailedOnly bool
	Limit      int
}

// PaymentHistory records one invoice payment attempt reported by Stripe.
type PaymentHistory struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	MembershipID     *int64    `json:"membership_id,omitempty"`
	StripeCustomerID string    `json:"stripe_customer_id"`
	StripeInvoiceID  *string   `json:"stripe_invoice_id,omitempty"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	Description      *string   `json:"description,omitempty"`
	ReceiptURL       *string   `json:"receipt_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CheckoutRequest represents a request to start a Stripe checkout for a plan.
type CheckoutRequest struct {
	PlanType   PlanType `json:"plan_type" validate:"required,plan_type"`
	SuccessURL string   `json:"success_url" validate:"omitempty,url"`
	CancelURL  string   `json:"cancel_url" validate:"omitempty,url"`
}

// CheckoutResponse represents the response from creating a checkout session.
type CheckoutResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}

// GrantRequest is the admin payload for granting a membership without checkout.
type GrantRequest struct {
	UserID   int64    `json:"user_id" validate:"required,gt=0"`
	PlanType PlanType `json:"plan_type" validate:"required,plan_type"`
}
