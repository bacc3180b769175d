// Package plans holds the closed set of membership plans and their Stripe
// price identifiers.
package plans

import (
	"sort"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// Plan describes one purchasable membership tier.
type Plan struct {
	Type            models.PlanType `json:"type"`
	Name            string          `json:"name"`
	Months          int             `json:"months"`
	PriceCents      int64           `json:"price_cents"`
	Currency        string          `json:"currency"`
	BillingInterval string          `json:"billing_interval"`
	Upfront         bool            `json:"upfront"`
	StripePriceID   string          `json:"stripe_price_id,omitempty"`
}

var defaults = map[models.PlanType]Plan{
	models.PlanMonthly: {
		Type: models.PlanMonthly, Name: "Monthly", Months: 1,
		PriceCents: 5900, Currency: "usd", BillingInterval: "month",
	},
	models.PlanSixMonth: {
		Type: models.PlanSixMonth, Name: "6 Month Commitment", Months: 6,
		PriceCents: 4900, Currency: "usd", BillingInterval: "month",
	},
	models.PlanTwelveMonth: {
		Type: models.PlanTwelveMonth, Name: "12 Month Commitment", Months: 12,
		PriceCents: 3900, Currency: "usd", BillingInterval: "month",
	},
	models.PlanTwelveMonthUpfront: {
		Type: models.PlanTwelveMonthUpfront, Name: "12 Month Paid in Full", Months: 12,
		PriceCents: 39900, Currency: "usd", BillingInterval: "year", Upfront: true,
	},
}

// Catalog is an immutable lookup over the configured plans.
type Catalog struct {
	byType  map[models.PlanType]Plan
	byPrice map[string]Plan
}

// NewCatalog builds the catalog, attaching the configured Stripe price id to
// each plan. Plans without a price id are still listed but cannot be resolved
// from a price.
func NewCatalog(prices map[models.PlanType]string) *Catalog {
	c := &Catalog{
		byType:  make(map[models.PlanType]Plan, len(defaults)),
		byPrice: make(map[string]Plan, len(defaults)),
	}
	for t, p := range defaults {
		p.StripePriceID = prices[t]
		c.byType[t] = p
		if p.StripePriceID != "" {
			c.byPrice[p.StripePriceID] = p
		}
	}
	return c
}

// Lookup returns the plan for t. Unknown plan types report false.
func (c *Catalog) Lookup(t models.PlanType) (Plan, bool) {
	p, ok := c.byType[t]
	return p, ok
}

// ByPriceID resolves a plan from its Stripe price id.
func (c *Catalog) ByPriceID(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	p, ok := c.byPrice[priceID]
	return p, ok
}

// List returns every plan in display order.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.byType))
	for _, p := range c.byType {
		out = append(out, p)
	}
	order := make(map[models.PlanType]int, len(models.PlanTypes))
	for i, t := range models.PlanTypes {
		order[t] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i].Type] < order[out[j].Type] })
	return out
}
