package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v79"

	"github.com/PortNumber53/gymhub/backend/internal/membership"
	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/plans"
	"github.com/PortNumber53/gymhub/backend/internal/store"
	"github.com/PortNumber53/gymhub/backend/internal/stripe"
)

// memLedger mirrors the unique-constrained ledger table.
type memLedger struct {
	mu     sync.Mutex
	events map[string]*models.WebhookEvent
	failOn string
}

func newMemLedger() *memLedger {
	return &memLedger{events: map[string]*models.WebhookEvent{}}
}

func (l *memLedger) GetEvent(_ context.Context, eventID string) (*models.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[eventID]
	if !ok {
		return nil, store.ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (l *memLedger) CreateEvent(_ context.Context, eventID, eventType string, processed bool) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.events[eventID]; ok {
		return e.ID, false, nil
	}
	e := &models.WebhookEvent{ID: int64(len(l.events) + 1), EventID: eventID, EventType: eventType, Processed: processed, Attempts: 1, UpdatedAt: time.Now()}
	l.events[eventID] = e
	return e.ID, true, nil
}

func (l *memLedger) ReclaimFailedEvent(_ context.Context, eventID string, staleAfter time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[eventID]
	if !ok || e.Processed {
		return false, nil
	}
	if e.Error == nil && time.Since(e.UpdatedAt) < staleAfter {
		return false, nil
	}
	e.Error = nil
	e.Attempts++
	e.UpdatedAt = time.Now()
	return true, nil
}

func (l *memLedger) MarkProcessed(_ context.Context, eventID, eventType string, processed bool) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.events[eventID]
	e.Processed = processed
	e.Error = nil
	now := time.Now()
	e.ProcessedAt = &now
	return e.ID, nil
}

func (l *memLedger) MarkFailed(_ context.Context, eventID, eventType, errMsg string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.events[eventID]
	e.Processed = false
	e.Error = &errMsg
	return e.ID, nil
}

// age pushes the last update of eventID back by d.
func (l *memLedger) age(eventID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[eventID].UpdatedAt = l.events[eventID].UpdatedAt.Add(-d)
}

func (l *memLedger) get(id string) models.WebhookEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.events[id]
}

// memStore backs a real membership.Service and records payments.
type memStore struct {
	mu          sync.Mutex
	users       map[int64]*models.User
	memberships []*models.Membership
	payments    map[string]models.PaymentHistory
	upserts     atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		users: map[int64]*models.User{
			1: {ID: 1, ClerkID: "user_1", Email: "one@example.com", Role: models.RoleMember},
			2: {ID: 2, ClerkID: "user_2", Email: "two@example.com", Role: models.RoleMember},
		},
		payments: map[string]models.PaymentHistory{},
	}
}

func (s *memStore) UpsertActiveMembership(_ context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts.Add(1)
	for _, cur := range s.memberships {
		if cur.UserID == m.UserID && cur.Status != models.MembershipCancelled {
			m.ID = cur.ID
			*cur = *m
			return nil
		}
	}
	m.ID = int64(len(s.memberships) + 1)
	cp := *m
	s.memberships = append(s.memberships, &cp)
	return nil
}

func (s *memStore) UpdateMembership(_ context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.memberships {
		if cur.ID == m.ID {
			if cur.CurrentPeriodEnd.After(m.CurrentPeriodEnd) {
				m.CurrentPeriodEnd = cur.CurrentPeriodEnd
			}
			*cur = *m
			return nil
		}
	}
	return store.ErrMembershipNotFound
}

func (s *memStore) GetActiveMembership(_ context.Context, userID int64) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.memberships {
		if cur.UserID == userID && cur.Status != models.MembershipCancelled {
			cp := *cur
			return &cp, nil
		}
	}
	return nil, store.ErrMembershipNotFound
}

func (s *memStore) GetMembershipBySubscriptionID(_ context.Context, subID string) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.memberships {
		if subID != "" && cur.StripeSubscriptionID == subID {
			cp := *cur
			return &cp, nil
		}
	}
	return nil, store.ErrMembershipNotFound
}

func (s *memStore) GetMembershipByID(_ context.Context, id int64) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.memberships {
		if cur.ID == id {
			cp := *cur
			return &cp, nil
		}
	}
	return nil, store.ErrMembershipNotFound
}

func (s *memStore) ListMemberships(_ context.Context, userID int64) ([]models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Membership
	for _, cur := range s.memberships {
		if cur.UserID == userID {
			out = append(out, *cur)
		}
	}
	return out, nil
}

func (s *memStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u, nil
}

func (s *memStore) SavePayment(_ context.Context, p *models.PaymentHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[*p.StripeInvoiceID] = *p
	return nil
}

type fakeSubscriptions struct {
	subs  map[string]*stripe.SubscriptionInfo
	err   error
	calls atomic.Int32
}

func (f *fakeSubscriptions) GetSubscription(_ context.Context, id string) (*stripe.SubscriptionInfo, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return sub, nil
}

type noticeLog struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (n *noticeLog) Dispatch(_ context.Context, notice models.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeLog) kinds() []models.NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.NoticeKind, 0, len(n.notices))
	for _, x := range n.notices {
		out = append(out, x.Kind)
	}
	return out
}

type nopBilling struct{}

func (nopBilling) CancelSubscription(context.Context, string, bool) error { return nil }

type harness struct {
	ledger  *memLedger
	store   *memStore
	subs    *fakeSubscriptions
	notices *noticeLog
	proc    *Processor
}

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ledger:  newMemLedger(),
		store:   newMemStore(),
		notices: &noticeLog{},
		subs: &fakeSubscriptions{subs: map[string]*stripe.SubscriptionInfo{
			"sub_1": {ID: "sub_1", CustomerID: "cus_1", Status: "active", PriceID: "price_upfront", PeriodStart: periodStart, PeriodEnd: periodEnd},
		}},
	}
	catalog := plans.NewCatalog(map[models.PlanType]string{
		models.PlanMonthly:            "price_monthly",
		models.PlanTwelveMonthUpfront: "price_upfront",
	})
	svc := membership.NewService(h.store, catalog, nopBilling{}, h.notices, zerolog.Nop())
	h.proc = NewProcessor(h.ledger, h.store, svc, h.subs, zerolog.Nop())
	return h
}

func event(t *testing.T, id string, typ stripeapi.EventType, obj any) stripeapi.Event {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return stripeapi.Event{ID: id, Type: typ, Data: &stripeapi.EventData{Raw: raw}}
}

func checkoutEvent(t *testing.T, id string, plan models.PlanType) stripeapi.Event {
	return event(t, id, stripeapi.EventTypeCheckoutSessionCompleted, map[string]any{
		"id":           "cs_1",
		"object":       "checkout.session",
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata": map[string]string{
			stripe.MetaUserID:   "1",
			stripe.MetaClerkID:  "user_1",
			stripe.MetaPlanType: string(plan),
		},
	})
}

func TestCheckoutCompletedActivatesMembership(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.proc.Process(context.Background(), checkoutEvent(t, "evt_1", models.PlanTwelveMonthUpfront))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	m, err := h.store.GetActiveMembership(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.PlanTwelveMonthUpfront, m.MembershipType)
	assert.Equal(t, models.MembershipActive, m.Status)
	assert.Equal(t, "sub_1", m.StripeSubscriptionID)
	assert.Equal(t, "cus_1", m.StripeCustomerID)
	assert.True(t, m.CurrentPeriodEnd.Equal(periodEnd))

	e := h.ledger.get("evt_1")
	assert.True(t, e.Processed)
	assert.Nil(t, e.Error)
	assert.Equal(t, []models.NoticeKind{models.NoticeWelcome}, h.notices.kinds())
}

func TestDuplicateDeliveryIsSkipped(t *testing.T) {
	h := newHarness(t)
	ev := checkoutEvent(t, "evt_dup", models.PlanTwelveMonthUpfront)

	_, err := h.proc.Process(context.Background(), ev)
	require.NoError(t, err)
	outcome, err := h.proc.Process(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, int32(1), h.store.upserts.Load())
	assert.Len(t, h.notices.kinds(), 1)
}

func TestConcurrentDuplicatesProcessOnce(t *testing.T) {
	h := newHarness(t)
	ev := checkoutEvent(t, "evt_race", models.PlanTwelveMonthUpfront)

	const n = 8
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = h.proc.Process(context.Background(), ev)
		}(i)
	}
	wg.Wait()

	// Deliveries racing the winner are told to retry; later ones are duplicates.
	var processed, skipped int
	for _, o := range outcomes {
		switch o {
		case OutcomeProcessed:
			processed++
		case OutcomeDuplicate, OutcomeInFlight:
			skipped++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, n-1, skipped)
	assert.Equal(t, int32(1), h.subs.calls.Load())
	assert.Equal(t, int32(1), h.store.upserts.Load())
}

func TestTransientFailureIsRetriedOnRedelivery(t *testing.T) {
	h := newHarness(t)
	ev := checkoutEvent(t, "evt_retry", models.PlanTwelveMonthUpfront)

	h.subs.err = errors.New("stripe: 503")
	outcome, err := h.proc.Process(context.Background(), ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, membership.ErrProvider)
	assert.Equal(t, OutcomeFailed, outcome)

	e := h.ledger.get("evt_retry")
	assert.False(t, e.Processed)
	require.NotNil(t, e.Error)

	h.subs.err = nil
	outcome, err = h.proc.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	e = h.ledger.get("evt_retry")
	assert.True(t, e.Processed)
	assert.Equal(t, 2, e.Attempts)
}

func TestUnfinishedEventIsRedeliveredNotSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := checkoutEvent(t, "evt_crash", models.PlanTwelveMonthUpfront)

	// A first attempt that claimed the row and never finished.
	_, created, err := h.ledger.CreateEvent(ctx, "evt_crash", string(ev.Type), false)
	require.NoError(t, err)
	require.True(t, created)

	outcome, err := h.proc.Process(ctx, ev)
	assert.ErrorIs(t, err, ErrEventInFlight)
	assert.Equal(t, OutcomeInFlight, outcome)
	_, err = h.store.GetActiveMembership(ctx, 1)
	assert.ErrorIs(t, err, store.ErrMembershipNotFound)

	h.ledger.age("evt_crash", DefaultStaleAfter+time.Minute)
	outcome, err = h.proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	m, err := h.store.GetActiveMembership(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", m.StripeSubscriptionID)
	assert.True(t, h.ledger.get("evt_crash").Processed)

	outcome, err = h.proc.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestInvalidPlanIsRejectedWithoutWrites(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.proc.Process(context.Background(), checkoutEvent(t, "evt_bad", "lifetime"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, int32(0), h.store.upserts.Load())

	e := h.ledger.get("evt_bad")
	assert.False(t, e.Processed)
	require.NotNil(t, e.Error)
	assert.Contains(t, *e.Error, "lifetime")
}

func TestCheckoutWithoutMetadataIsRejected(t *testing.T) {
	h := newHarness(t)
	ev := event(t, "evt_nometa", stripeapi.EventTypeCheckoutSessionCompleted, map[string]any{
		"id": "cs_2", "subscription": "sub_1",
	})
	outcome, err := h.proc.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestSubscriptionDeletedTerminatesOnlyThatSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proc.Process(ctx, checkoutEvent(t, "evt_1", models.PlanTwelveMonthUpfront))
	require.NoError(t, err)

	other := &models.Membership{UserID: 2, MembershipType: models.PlanMonthly, Status: models.MembershipActive, StripeSubscriptionID: "sub_2", CurrentPeriodEnd: periodEnd}
	require.NoError(t, h.store.UpsertActiveMembership(ctx, other))

	outcome, err := h.proc.Process(ctx, event(t, "evt_del", stripeapi.EventTypeCustomerSubscriptionDeleted, map[string]any{
		"id": "sub_1", "status": "canceled",
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	_, err = h.store.GetActiveMembership(ctx, 1)
	assert.ErrorIs(t, err, store.ErrMembershipNotFound)

	history, err := h.store.ListMemberships(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.MembershipCancelled, history[0].Status)
	assert.NotNil(t, history[0].EndedAt)

	still, err := h.store.GetActiveMembership(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipActive, still.Status)

	assert.Contains(t, h.notices.kinds(), models.NoticeMembershipEnded)
}

func TestSubscriptionUpdateForUnknownSubscriptionIsIgnored(t *testing.T) {
	h := newHarness(t)
	outcome, err := h.proc.Process(context.Background(), event(t, "evt_upd", stripeapi.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id": "sub_unknown", "status": "active",
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.True(t, h.ledger.get("evt_upd").Processed)
}

func TestSubscriptionPastDueSuspends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proc.Process(ctx, checkoutEvent(t, "evt_1", models.PlanTwelveMonthUpfront))
	require.NoError(t, err)

	_, err = h.proc.Process(ctx, event(t, "evt_pd", stripeapi.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id":                   "sub_1",
		"status":               "past_due",
		"customer":             "cus_1",
		"current_period_start": periodStart.Unix(),
		"current_period_end":   periodEnd.Unix(),
	}))
	require.NoError(t, err)

	m, err := h.store.GetActiveMembership(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipSuspended, m.Status)
}

func TestInvoicePaidRenewsAndRecordsPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proc.Process(ctx, checkoutEvent(t, "evt_1", models.PlanTwelveMonthUpfront))
	require.NoError(t, err)

	nextEnd := periodEnd.AddDate(1, 0, 0)
	outcome, err := h.proc.Process(ctx, event(t, "evt_inv", stripeapi.EventTypeInvoicePaymentSucceeded, map[string]any{
		"id":                 "in_1",
		"subscription":       "sub_1",
		"customer":           "cus_1",
		"amount_paid":        39900,
		"currency":           "usd",
		"billing_reason":     "subscription_cycle",
		"hosted_invoice_url": "https://pay.stripe.test/in_1",
		"lines": map[string]any{
			"data": []map[string]any{{"period": map[string]int64{"start": periodEnd.Unix(), "end": nextEnd.Unix()}}},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	m, err := h.store.GetActiveMembership(ctx, 1)
	require.NoError(t, err)
	assert.True(t, m.CurrentPeriodEnd.Equal(nextEnd))
	assert.Equal(t, models.PlanTwelveMonthUpfront, m.MembershipType)

	p, ok := h.store.payments["in_1"]
	require.True(t, ok)
	assert.Equal(t, int64(39900), p.Amount)
	assert.Equal(t, "succeeded", p.Status)
	assert.Equal(t, int64(1), p.UserID)

	assert.Equal(t, []models.NoticeKind{models.NoticeWelcome, models.NoticeRenewed}, h.notices.kinds())
}

func firstInvoiceEvent(t *testing.T, id string, meta map[string]string) stripeapi.Event {
	return event(t, id, stripeapi.EventTypeInvoicePaymentSucceeded, map[string]any{
		"id":                   "in_first",
		"subscription":         "sub_1",
		"customer":             "cus_1",
		"amount_paid":          39900,
		"currency":             "usd",
		"billing_reason":       "subscription_create",
		"subscription_details": map[string]any{"metadata": meta},
	})
}

func TestInvoiceBeforeCheckoutIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := firstInvoiceEvent(t, "evt_inv_early", map[string]string{stripe.MetaUserID: "1", stripe.MetaPlanType: string(models.PlanTwelveMonthUpfront)})

	outcome, err := h.proc.Process(ctx, inv)
	assert.ErrorIs(t, err, ErrMembershipPending)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, h.store.payments)
	assert.False(t, h.ledger.get("evt_inv_early").Processed)

	_, err = h.proc.Process(ctx, checkoutEvent(t, "evt_1", models.PlanTwelveMonthUpfront))
	require.NoError(t, err)

	outcome, err = h.proc.Process(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	p, ok := h.store.payments["in_first"]
	require.True(t, ok)
	assert.Equal(t, int64(1), p.UserID)
	assert.Equal(t, "succeeded", p.Status)
}

func TestInvoiceForForeignSubscriptionIsIgnored(t *testing.T) {
	h := newHarness(t)
	outcome, err := h.proc.Process(context.Background(), firstInvoiceEvent(t, "evt_inv_other", map[string]string{"source": "dashboard"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, h.store.payments)
}

func TestInvoiceFailedRecordsPaymentAndNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proc.Process(ctx, checkoutEvent(t, "evt_1", models.PlanTwelveMonthUpfront))
	require.NoError(t, err)

	_, err = h.proc.Process(ctx, event(t, "evt_fail", stripeapi.EventTypeInvoicePaymentFailed, map[string]any{
		"id":           "in_2",
		"subscription": "sub_1",
		"amount_due":   39900,
		"currency":     "USD",
	}))
	require.NoError(t, err)

	p := h.store.payments["in_2"]
	assert.Equal(t, "failed", p.Status)
	assert.Equal(t, "usd", p.Currency)
	assert.Equal(t, models.NoticePaymentFailed, h.notices.kinds()[len(h.notices.kinds())-1])
}

func TestUnhandledEventIsIgnored(t *testing.T) {
	h := newHarness(t)
	var seen []Outcome
	h.proc.observe = func(_ string, o Outcome) { seen = append(seen, o) }

	outcome, err := h.proc.Process(context.Background(), event(t, "evt_x", "charge.refunded", map[string]any{"id": "ch_1"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.True(t, h.ledger.get("evt_x").Processed)
	assert.Equal(t, []Outcome{OutcomeIgnored}, seen)
}
