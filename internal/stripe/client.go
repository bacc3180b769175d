package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// Metadata keys written on checkout sessions and their subscriptions.
const (
	MetaUserID   = "user_id"
	MetaClerkID  = "clerk_id"
	MetaPlanType = "plan_type"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("stripe: invalid webhook signature")

// Client wraps the Stripe SDK calls used by the membership flow.
type Client struct {
	api           *client.API
	webhookSecret string
	logger        zerolog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	backendURL string
	retries    int64
}

// WithBackendURL points the client at a different API host.
func WithBackendURL(url string) Option {
	return func(o *clientOptions) { o.backendURL = url }
}

// WithNetworkRetries sets how many times the SDK retries failed requests.
func WithNetworkRetries(n int64) Option {
	return func(o *clientOptions) { o.retries = n }
}

// NewClient creates a new Stripe API client
func NewClient(secretKey, webhookSecret string, logger zerolog.Logger, opts ...Option) *Client {
	o := clientOptions{retries: 2}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &stripeapi.BackendConfig{
		MaxNetworkRetries: stripeapi.Int64(o.retries),
		LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelError},
	}
	if o.backendURL != "" {
		cfg.URL = stripeapi.String(o.backendURL)
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, cfg)

	return &Client{
		api:           client.New(secretKey, &stripeapi.Backends{API: backend, Connect: backend, Uploads: backend}),
		webhookSecret: webhookSecret,
		logger:        logger.With().Str("component", "stripe").Logger(),
	}
}

// CheckoutParams describes a subscription checkout for one plan.
type CheckoutParams struct {
	PriceID       string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	UserID        int64
	ClerkID       string
	PlanType      models.PlanType
}

// CreateCheckoutSession creates a Stripe Checkout session for a subscription.
// The user and plan are recorded in metadata on both the session and the
// resulting subscription so webhook events can be attributed.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (sessionID, sessionURL string, err error) {
	if p.PriceID == "" {
		return "", "", fmt.Errorf("create checkout session: no price configured for plan %q", p.PlanType)
	}

	meta := map[string]string{
		MetaUserID:   strconv.FormatInt(p.UserID, 10),
		MetaClerkID:  p.ClerkID,
		MetaPlanType: string(p.PlanType),
	}
	params := &stripeapi.CheckoutSessionParams{
		Mode: stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{Price: stripeapi.String(p.PriceID), Quantity: stripeapi.Int64(1)},
		},
		SuccessURL:        stripeapi.String(p.SuccessURL),
		CancelURL:         stripeapi.String(p.CancelURL),
		ClientReferenceID: stripeapi.String(strconv.FormatInt(p.UserID, 10)),
		SubscriptionData:  &stripeapi.CheckoutSessionSubscriptionDataParams{Metadata: meta},
	}
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripeapi.String(p.CustomerEmail)
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	if sess.ID == "" {
		return "", "", fmt.Errorf("create checkout session: missing session ID in response")
	}

	c.logger.Info().Str("session_id", sess.ID).Int64("user_id", p.UserID).Str("plan", string(p.PlanType)).Msg("checkout session created")
	return sess.ID, sess.URL, nil
}

// SubscriptionInfo is the subset of a Stripe subscription the membership flow
// depends on.
type SubscriptionInfo struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Metadata          map[string]string
}

// SubscriptionInfoFrom flattens an SDK subscription.
func SubscriptionInfoFrom(sub *stripeapi.Subscription) *SubscriptionInfo {
	if sub == nil {
		return nil
	}
	info := &SubscriptionInfo{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		info.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodStart > 0 {
		info.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		info.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil {
				info.PriceID = item.Price.ID
				break
			}
		}
	}
	return info
}

// GetSubscription fetches a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return SubscriptionInfoFrom(sub), nil
}

// CancelSubscription cancels a Stripe subscription, either at the end of the
// current period or immediately.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripeapi.SubscriptionParams{CancelAtPeriodEnd: stripeapi.Bool(true)}
		params.Context = ctx
		if _, err := c.api.Subscriptions.Update(subscriptionID, params); err != nil {
			return fmt.Errorf("schedule subscription cancel %s: %w", subscriptionID, err)
		}
		c.logger.Info().Str("subscription_id", subscriptionID).Msg("subscription set to cancel at period end")
		return nil
	}

	params := &stripeapi.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	c.logger.Info().Str("subscription_id", subscriptionID).Msg("subscription cancelled")
	return nil
}

// ConstructWebhookEvent verifies the Stripe-Signature header against the
// webhook secret and decodes the event.
func (c *Client) ConstructWebhookEvent(body []byte, signatureHeader string) (stripeapi.Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, signatureHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripeapi.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}
