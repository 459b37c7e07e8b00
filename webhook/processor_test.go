package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/types"
)

// memStore is an in-memory Store for processor tests.
type memStore struct {
	plansByPrice map[string]*plan.Plan
	subsByProv   map[string]*subscription.Subscription
	subsByID     map[id.SubscriptionID]*subscription.Subscription
	events       []*event.SubscriptionEvent
	processed    map[string]*ProcessedEvent
	failures     []*FailedEvent
	mutations    int
}

func newMemStore() *memStore {
	return &memStore{
		plansByPrice: make(map[string]*plan.Plan),
		subsByProv:   make(map[string]*subscription.Subscription),
		subsByID:     make(map[id.SubscriptionID]*subscription.Subscription),
		processed:    make(map[string]*ProcessedEvent),
	}
}

func (m *memStore) GetPlanByProviderPriceID(_ context.Context, priceID string) (*plan.Plan, error) {
	if p, ok := m.plansByPrice[priceID]; ok {
		return p, nil
	}
	return nil, plan.ErrNotFound
}

func (m *memStore) CreateSubscription(_ context.Context, s *subscription.Subscription) error {
	m.subsByProv[s.ProviderSubID] = s
	m.subsByID[s.ID] = s
	return nil
}

func (m *memStore) GetSubscriptionByProviderSubID(_ context.Context, providerSubID string) (*subscription.Subscription, error) {
	if s, ok := m.subsByProv[providerSubID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, subscription.ErrNotFound
}

func (m *memStore) MutateSubscription(_ context.Context, subID id.SubscriptionID, fn subscription.MutateFunc) error {
	s, ok := m.subsByID[subID]
	if !ok {
		return subscription.ErrNotFound
	}
	changed, err := fn(s)
	if err != nil {
		return err
	}
	if changed {
		s.Touch()
		m.mutations++
	}
	return nil
}

func (m *memStore) AppendSubscriptionEvent(_ context.Context, e *event.SubscriptionEvent) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) WasProcessed(_ context.Context, provider, eventID string) (bool, error) {
	_, ok := m.processed[provider+"/"+eventID]
	return ok, nil
}

func (m *memStore) MarkProcessed(_ context.Context, pe *ProcessedEvent) error {
	key := pe.Provider + "/" + pe.EventID
	if _, ok := m.processed[key]; ok {
		return nil
	}
	m.processed[key] = pe
	return nil
}

func (m *memStore) RecordFailure(_ context.Context, fe *FailedEvent) error {
	m.failures = append(m.failures, fe)
	return nil
}

func (m *memStore) eventsOfType(typ event.Type) []*event.SubscriptionEvent {
	var out []*event.SubscriptionEvent
	for _, e := range m.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func staticTenants(tenantID string) TenantResolver {
	return TenantResolverFunc(func(_ context.Context, _ string) (string, error) {
		return tenantID, nil
	})
}

func seedSubscription(m *memStore, providerSubID string, status subscription.Status) *subscription.Subscription {
	s := &subscription.Subscription{
		Entity:             types.NewEntity(),
		ID:                 id.NewSubscriptionID(),
		TenantID:           "tenant_1",
		PlanID:             id.NewPlanID(),
		Status:             status,
		ProviderSubID:      providerSubID,
		ProviderCustomerID: "cus_1",
		ProviderName:       "stripe",
	}
	m.subsByProv[providerSubID] = s
	m.subsByID[s.ID] = s
	return s
}

func envelope(eventID, eventType string, data any) *Envelope {
	raw, _ := json.Marshal(data)
	return &Envelope{ID: eventID, Provider: "stripe", Type: eventType, Data: raw}
}

func TestPaymentFailedMarksPastDue(t *testing.T) {
	m := newMemStore()
	seedSubscription(m, "sub_1", subscription.StatusActive)
	p := NewProcessor(m, staticTenants("tenant_1"))
	ctx := context.Background()

	env := envelope("evt_1", "invoice.payment_failed", map[string]any{
		"subscription":  "sub_1",
		"amount_due":    2900,
		"currency":      "usd",
		"attempt_count": 1,
	})

	out, err := p.Process(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied {
		t.Error("expected outcome to be applied")
	}

	sub := m.subsByProv["sub_1"]
	if sub.Status != subscription.StatusPastDue {
		t.Errorf("status = %s, want past_due", sub.Status)
	}

	failed := m.eventsOfType(event.TypePaymentFailed)
	if len(failed) != 1 {
		t.Fatalf("payment_failed events = %d, want 1", len(failed))
	}
	if got := failed[0].Payload["amount_due"]; got != int64(2900) {
		t.Errorf("amount_due = %v, want 2900", got)
	}
	if _, ok := m.processed["stripe/evt_1"]; !ok {
		t.Error("evt_1 not recorded as processed")
	}

	// Replaying evt_1 changes nothing further.
	mutations := m.mutations
	events := len(m.events)
	out, err = p.Process(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate {
		t.Error("replay should report duplicate")
	}
	if m.mutations != mutations || len(m.events) != events {
		t.Error("replay must not mutate state")
	}
	if len(m.processed) != 1 {
		t.Errorf("processed rows = %d, want 1", len(m.processed))
	}
}

func TestPaymentFailedWithoutSubscriptionIgnored(t *testing.T) {
	m := newMemStore()
	p := NewProcessor(m, staticTenants("tenant_1"))

	out, err := p.Process(context.Background(), envelope("evt_2", "invoice.payment_failed", map[string]any{
		"amount_due": 500,
		"currency":   "usd",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Ignored {
		t.Error("one-off payment failure should be ignored")
	}
	if _, ok := m.processed["stripe/evt_2"]; !ok {
		t.Error("ignored event must still be marked processed")
	}
}

func TestPaymentFailedUnknownSubscriptionIsPermanent(t *testing.T) {
	m := newMemStore()
	p := NewProcessor(m, staticTenants("tenant_1"))

	_, err := p.Process(context.Background(), envelope("evt_3", "invoice.payment_failed", map[string]any{
		"subscription": "sub_missing",
		"amount_due":   100,
	}))
	if !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("err = %v, want subscription not found", err)
	}
	if !IsPermanent(err) {
		t.Error("missing subscription must classify as permanent")
	}
	if len(m.processed) != 0 {
		t.Error("failed event must not be marked processed")
	}
}

func TestPaymentSucceededReactivates(t *testing.T) {
	m := newMemStore()
	s := seedSubscription(m, "sub_1", subscription.StatusPastDue)
	ends := time.Now().Add(48 * time.Hour)
	s.EndsAt = &ends
	p := NewProcessor(m, staticTenants("tenant_1"))

	out, err := p.Process(context.Background(), envelope("evt_4", "invoice.payment_succeeded", map[string]any{
		"subscription": "sub_1",
		"amount_due":   2900,
		"currency":     "usd",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied {
		t.Error("expected applied outcome")
	}

	sub := m.subsByProv["sub_1"]
	if sub.Status != subscription.StatusActive {
		t.Errorf("status = %s, want active", sub.Status)
	}
	if sub.EndsAt != nil {
		t.Error("reactivation should clear the grace boundary")
	}
	if len(m.eventsOfType(event.TypePaymentSucceeded)) != 1 {
		t.Error("expected one payment_succeeded event")
	}
}

func TestSubscriptionCreated(t *testing.T) {
	m := newMemStore()
	pl := &plan.Plan{
		Entity:          types.NewEntity(),
		ID:              id.NewPlanID(),
		Name:            "Pro",
		Slug:            "pro",
		Status:          plan.StatusActive,
		Price:           types.USD(2900),
		BillingPeriod:   plan.PeriodMonthly,
		ProviderPriceID: "price_pro",
	}
	m.plansByPrice["price_pro"] = pl
	p := NewProcessor(m, staticTenants("tenant_1"))

	out, err := p.Process(context.Background(), envelope("evt_5", "customer.subscription.created", map[string]any{
		"id":       "sub_new",
		"customer": "cus_1",
		"price":    "price_pro",
		"status":   "active",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied {
		t.Error("expected applied outcome")
	}

	sub, ok := m.subsByProv["sub_new"]
	if !ok {
		t.Fatal("subscription not created")
	}
	if sub.TenantID != "tenant_1" {
		t.Errorf("tenant = %s, want tenant_1", sub.TenantID)
	}
	if sub.PlanID != pl.ID {
		t.Error("plan not resolved from provider price")
	}
	if sub.Status != subscription.StatusActive {
		t.Errorf("status = %s, want active", sub.Status)
	}
	if len(m.eventsOfType(event.TypeCreated)) != 1 {
		t.Error("expected one created event")
	}
}

func TestSubscriptionCreatedTrialFromPlan(t *testing.T) {
	m := newMemStore()
	m.plansByPrice["price_trial"] = &plan.Plan{
		Entity:          types.NewEntity(),
		ID:              id.NewPlanID(),
		Slug:            "trial",
		Status:          plan.StatusActive,
		TrialDays:       14,
		ProviderPriceID: "price_trial",
	}
	p := NewProcessor(m, staticTenants("tenant_1"))

	_, err := p.Process(context.Background(), envelope("evt_6", "customer.subscription.created", map[string]any{
		"id":       "sub_trial",
		"customer": "cus_1",
		"price":    "price_trial",
	}))
	if err != nil {
		t.Fatal(err)
	}

	sub := m.subsByProv["sub_trial"]
	if sub.Status != subscription.StatusTrialing {
		t.Errorf("status = %s, want trialing", sub.Status)
	}
	if sub.TrialEndsAt == nil || !sub.TrialEndsAt.After(time.Now()) {
		t.Error("trial end should be propagated from the plan")
	}
}

func TestSubscriptionCreatedUnknownTenant(t *testing.T) {
	m := newMemStore()
	m.plansByPrice["price_pro"] = &plan.Plan{ID: id.NewPlanID(), ProviderPriceID: "price_pro"}
	p := NewProcessor(m, staticTenants(""))

	_, err := p.Process(context.Background(), envelope("evt_7", "customer.subscription.created", map[string]any{
		"id":       "sub_x",
		"customer": "cus_unknown",
		"price":    "price_pro",
	}))
	if !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("err = %v, want tenant not found", err)
	}
}

func TestSubscriptionCreatedUnknownPlan(t *testing.T) {
	m := newMemStore()
	p := NewProcessor(m, staticTenants("tenant_1"))

	_, err := p.Process(context.Background(), envelope("evt_8", "customer.subscription.created", map[string]any{
		"id":       "sub_x",
		"customer": "cus_1",
		"price":    "price_missing",
	}))
	if !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("err = %v, want plan not found", err)
	}
}

func TestSubscriptionUpdatedInvalidTransitionSkipped(t *testing.T) {
	m := newMemStore()
	s := seedSubscription(m, "sub_1", subscription.StatusExpired)
	p := NewProcessor(m, staticTenants("tenant_1"))

	ends := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	out, err := p.Process(context.Background(), envelope("evt_9", "customer.subscription.updated", map[string]any{
		"id":        "sub_1",
		"customer":  "cus_1",
		"status":    "active",
		"cancel_at": ends.Format(time.RFC3339),
	}))
	if err != nil {
		t.Fatal(err)
	}

	// Expired is terminal: the status change is skipped but the timestamp
	// field from the same event still applies.
	sub := m.subsByID[s.ID]
	if sub.Status != subscription.StatusExpired {
		t.Errorf("status = %s, want expired", sub.Status)
	}
	if sub.EndsAt == nil || !sub.EndsAt.Equal(ends) {
		t.Error("cancel_at from the same event should still apply")
	}
	if !out.Applied {
		t.Error("timestamp change should count as applied")
	}
	if out.Subscription == nil || out.Subscription.ID != s.ID {
		t.Error("applied update should carry the converged subscription")
	}
}

func TestSubscriptionUpdatedNoChange(t *testing.T) {
	m := newMemStore()
	seedSubscription(m, "sub_1", subscription.StatusActive)
	p := NewProcessor(m, staticTenants("tenant_1"))

	out, err := p.Process(context.Background(), envelope("evt_10", "customer.subscription.updated", map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied {
		t.Error("no-op update should not report applied")
	}
	if out.Subscription != nil {
		t.Error("no-op update should not carry a subscription")
	}
	if len(m.eventsOfType(event.TypeUpdated)) != 0 {
		t.Error("no updated event should be emitted when nothing changed")
	}
}

func TestSubscriptionDeletedForceExpires(t *testing.T) {
	m := newMemStore()
	s := seedSubscription(m, "sub_1", subscription.StatusCanceled)
	p := NewProcessor(m, staticTenants("tenant_1"))

	ended := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	_, err := p.Process(context.Background(), envelope("evt_11", "customer.subscription.deleted", map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"ended_at": ended.Format(time.RFC3339),
	}))
	if err != nil {
		t.Fatal(err)
	}

	sub := m.subsByID[s.ID]
	if sub.Status != subscription.StatusExpired {
		t.Errorf("status = %s, want expired", sub.Status)
	}
	if sub.EndsAt == nil || !sub.EndsAt.Equal(ended) {
		t.Error("ended_at from the event should apply")
	}

	// Deleting again is a safe no-op.
	mutations := m.mutations
	_, err = p.Process(context.Background(), envelope("evt_12", "customer.subscription.deleted", map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if m.mutations != mutations {
		t.Error("expiring an expired subscription must not mutate")
	}
}

func TestTrialWillEndInformational(t *testing.T) {
	m := newMemStore()
	seedSubscription(m, "sub_1", subscription.StatusTrialing)
	p := NewProcessor(m, staticTenants("tenant_1"))

	_, err := p.Process(context.Background(), envelope("evt_13", "customer.subscription.trial_will_end", map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if m.mutations != 0 {
		t.Error("trial_will_end must not mutate the subscription")
	}
	if len(m.eventsOfType(event.TypeTrialWillEnd)) != 1 {
		t.Error("expected one trial_will_end event")
	}
}

func TestInvoiceUpcomingUnknownSubscriptionIgnored(t *testing.T) {
	m := newMemStore()
	p := NewProcessor(m, staticTenants("tenant_1"))

	out, err := p.Process(context.Background(), envelope("evt_14", "invoice.upcoming", map[string]any{
		"subscription": "sub_missing",
		"amount_due":   2900,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Ignored {
		t.Error("upcoming invoice for unknown subscription should be ignored")
	}
	if _, ok := m.processed["stripe/evt_14"]; !ok {
		t.Error("ignored event must still be marked processed")
	}
}

func TestUnrecognizedTypeIgnored(t *testing.T) {
	m := newMemStore()
	p := NewProcessor(m, staticTenants("tenant_1"))

	out, err := p.Process(context.Background(), envelope("evt_15", "charge.refunded", map[string]any{}))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Ignored {
		t.Error("unrecognized type should be ignored")
	}
	if out.Kind != KindUnknown {
		t.Errorf("kind = %v, want unknown", out.Kind)
	}
	if _, ok := m.processed["stripe/evt_15"]; !ok {
		t.Error("ignored event must still be marked processed")
	}
}

func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		"customer.subscription.created":        KindSubscriptionCreated,
		"customer.subscription.updated":        KindSubscriptionUpdated,
		"customer.subscription.deleted":        KindSubscriptionDeleted,
		"invoice.payment_succeeded":            KindPaymentSucceeded,
		"invoice.payment_failed":               KindPaymentFailed,
		"customer.subscription.trial_will_end": KindTrialWillEnd,
		"invoice.upcoming":                     KindInvoiceUpcoming,
		"charge.succeeded":                     KindUnknown,
		"":                                     KindUnknown,
	}
	for typ, want := range cases {
		if got := KindOf(typ); got != want {
			t.Errorf("KindOf(%q) = %v, want %v", typ, got, want)
		}
	}
}
