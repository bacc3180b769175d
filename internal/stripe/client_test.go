package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

const testWebhookSecret = "whsec_test"

func sign(t *testing.T, payload []byte, secret string, ts time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestConstructWebhookEvent(t *testing.T) {
	c := NewClient("sk_test", testWebhookSecret, zerolog.Nop())
	payload := []byte(`{"id":"evt_123","object":"event","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","object":"subscription"}}}`)

	event, err := c.ConstructWebhookEvent(payload, sign(t, payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_123", event.ID)
	assert.Equal(t, "customer.subscription.deleted", string(event.Type))
	assert.Contains(t, string(event.Data.Raw), "sub_1")

	_, err = c.ConstructWebhookEvent(payload, sign(t, payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = c.ConstructWebhookEvent(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCreateCheckoutSession(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_test_1"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient("sk_test", testWebhookSecret, zerolog.Nop(), WithBackendURL(srv.URL), WithNetworkRetries(0))
	id, sessionURL, err := c.CreateCheckoutSession(context.Background(), CheckoutParams{
		PriceID:       "price_upfront",
		CustomerEmail: "alice@example.com",
		SuccessURL:    "https://gym.test/ok",
		CancelURL:     "https://gym.test/cancel",
		UserID:        7,
		ClerkID:       "user_alice",
		PlanType:      models.PlanTwelveMonthUpfront,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", id)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", sessionURL)

	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, "price_upfront", form.Get("line_items[0][price]"))
	assert.Equal(t, "7", form.Get("metadata[user_id]"))
	assert.Equal(t, "12-month-upfront", form.Get("subscription_data[metadata][plan_type]"))
}

func TestCreateCheckoutSessionRequiresPrice(t *testing.T) {
	c := NewClient("sk_test", testWebhookSecret, zerolog.Nop())
	_, _, err := c.CreateCheckoutSession(context.Background(), CheckoutParams{PlanType: models.PlanMonthly})
	assert.Error(t, err)
}

func TestGetSubscriptionFlattensPeriod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"sub_1","object":"subscription","status":"active","customer":"cus_1",
			"current_period_start":1767225600,"current_period_end":1769904000,
			"cancel_at_period_end":false,
			"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_monthly","object":"price"}}]}
		}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient("sk_test", testWebhookSecret, zerolog.Nop(), WithBackendURL(srv.URL), WithNetworkRetries(0))
	info, err := c.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", info.CustomerID)
	assert.Equal(t, "price_monthly", info.PriceID)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), info.PeriodEnd)
}

func TestCancelSubscriptionAtPeriodEnd(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub_1","object":"subscription","cancel_at_period_end":true}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient("sk_test", testWebhookSecret, zerolog.Nop(), WithBackendURL(srv.URL), WithNetworkRetries(0))
	require.NoError(t, c.CancelSubscription(context.Background(), "sub_1", true))
	assert.Equal(t, "true", form.Get("cancel_at_period_end"))
}
