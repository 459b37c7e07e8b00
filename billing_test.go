package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/slateboard/billing"
	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/job"
	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/store/memory"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/types"
	"github.com/slateboard/billing/webhook"
)

var fastTestPolicy = job.RetryPolicy{
	Attempts: 3,
	Backoff:  []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	Timeout:  time.Second,
}

func newTestEngine(t *testing.T, opts ...billing.Option) (*billing.Engine, *memory.Store) {
	t.Helper()

	st := memory.New()
	base := []billing.Option{
		billing.WithSweepInterval(0),
		billing.WithQueueWorkers(1),
		billing.WithWebhookPolicy(fastTestPolicy),
		billing.WithBulkPolicy(fastTestPolicy),
	}
	eng := billing.New(st, append(base, opts...)...)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Stop(); err != nil {
			t.Errorf("stop engine: %v", err)
		}
	})
	return eng, st
}

func createTestPlan(t *testing.T, eng *billing.Engine) *plan.Plan {
	t.Helper()

	p := &plan.Plan{
		Name:            "Pro",
		Slug:            "pro",
		Price:           types.USD(2900),
		BillingPeriod:   plan.PeriodMonthly,
		ProviderPriceID: "price_pro",
	}
	if err := eng.CreatePlan(context.Background(), p); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func createTestSubscription(t *testing.T, eng *billing.Engine, p *plan.Plan, provSubID string) *subscription.Subscription {
	t.Helper()

	sub := &subscription.Subscription{
		TenantID:           "tenant_1",
		PlanID:             p.ID,
		Status:             subscription.StatusActive,
		ProviderSubID:      provSubID,
		ProviderCustomerID: "cus_1",
	}
	if err := eng.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscriptionLifecycle(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	p := createTestPlan(t, eng)
	sub := createTestSubscription(t, eng, p, "provsub_lc")

	endsAt := time.Now().UTC().AddDate(0, 0, 7)
	if err := eng.MarkPastDue(ctx, sub.ID, &endsAt); err != nil {
		t.Fatalf("mark past due: %v", err)
	}

	got, err := eng.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != subscription.StatusPastDue {
		t.Fatalf("expected past_due, got %s", got.Status)
	}
	if got.EndsAt == nil || !got.EndsAt.Equal(endsAt) {
		t.Fatalf("expected ends_at %v, got %v", endsAt, got.EndsAt)
	}

	// Recovery clears the grace boundary.
	if err := eng.ActivateSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, err = eng.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != subscription.StatusActive {
		t.Fatalf("expected active, got %s", got.Status)
	}
	if got.EndsAt != nil {
		t.Fatalf("expected ends_at cleared, got %v", got.EndsAt)
	}

	// Activating an already active subscription is a no-op, not an error.
	if err := eng.ActivateSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("repeat activate: %v", err)
	}

	if err := eng.CancelSubscription(ctx, sub.ID, &endsAt); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := eng.ExpireSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	// Expired is terminal.
	err = eng.ActivateSubscription(ctx, sub.ID)
	var ite billing.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
	if ite.From != subscription.StatusExpired || ite.To != subscription.StatusActive {
		t.Fatalf("unexpected transition error: %+v", ite)
	}

	// Expiring twice is a no-op.
	if err := eng.ExpireSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("repeat expire: %v", err)
	}

	events, err := eng.ListSubscriptionEvents(ctx, sub.ID, event.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	var expired int
	for _, ev := range events {
		if ev.Type == event.TypeExpired {
			expired++
		}
	}
	if expired != 1 {
		t.Fatalf("expected exactly one expiration event, got %d", expired)
	}
}

func TestCreateSubscriptionTrialFromPlan(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	p := &plan.Plan{
		Name:            "Trial",
		Slug:            "trial",
		Price:           types.USD(900),
		BillingPeriod:   plan.PeriodMonthly,
		TrialDays:       14,
		ProviderPriceID: "price_trial",
	}
	if err := eng.CreatePlan(ctx, p); err != nil {
		t.Fatal(err)
	}

	sub := &subscription.Subscription{
		TenantID:      "tenant_1",
		PlanID:        p.ID,
		ProviderSubID: "provsub_trial",
	}
	if err := eng.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if sub.Status != subscription.StatusTrialing {
		t.Fatalf("expected trialing, got %s", sub.Status)
	}
	if sub.TrialEndsAt == nil {
		t.Fatal("expected trial end set from plan")
	}
}

func TestEnqueueWebhookAsync(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	p := createTestPlan(t, eng)
	sub := createTestSubscription(t, eng, p, "provsub_wh")

	data, _ := json.Marshal(map[string]any{
		"subscription":  "provsub_wh",
		"amount_due":    2900,
		"currency":      "usd",
		"attempt_count": 1,
	})
	jobID, err := eng.EnqueueWebhook(&webhook.Envelope{
		ID:       "evt_async_1",
		Provider: "stripe",
		Type:     "invoice.payment_failed",
		Data:     data,
	})
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	waitFor(t, func() bool {
		ok, err := st.WasProcessed(ctx, "stripe", "evt_async_1")
		return err == nil && ok
	})

	got, err := eng.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != subscription.StatusPastDue {
		t.Fatalf("expected past_due after payment failure, got %s", got.Status)
	}
}

func TestEnqueueWebhookPoisonCapture(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// payment_failed referencing an unknown subscription is a permanent
	// failure: the retry budget is consumed and the event is parked.
	data, _ := json.Marshal(map[string]any{
		"subscription": "provsub_missing",
		"amount_due":   500,
		"currency":     "usd",
	})
	if _, err := eng.EnqueueWebhook(&webhook.Envelope{
		ID:       "evt_poison_1",
		Provider: "stripe",
		Type:     "invoice.payment_failed",
		Data:     data,
	}); err != nil {
		t.Fatal(err)
	}

	var failures []*webhook.FailedEvent
	waitFor(t, func() bool {
		fs, err := eng.ListFailedWebhookEvents(ctx, "stripe", 10)
		if err != nil || len(fs) == 0 {
			return false
		}
		failures = fs
		return true
	})

	if failures[0].EventID != "evt_poison_1" {
		t.Fatalf("unexpected failed event: %+v", failures[0])
	}
	if failures[0].Error == "" {
		t.Fatal("expected the terminal error to be recorded")
	}
}

func TestEnqueueWebhookRejectsInvalidEnvelope(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.EnqueueWebhook(&webhook.Envelope{Provider: "stripe"}); !errors.Is(err, billing.ErrInvalidEnvelope) {
		t.Fatalf("expected invalid envelope error, got %v", err)
	}
}

// lifecycleRecorder captures hook invocations for assertions.
type lifecycleRecorder struct {
	mu         sync.Mutex
	updated    []*subscription.Subscription
	duplicates []string
}

func (r *lifecycleRecorder) Name() string { return "lifecycle-recorder" }

func (r *lifecycleRecorder) OnSubscriptionUpdated(_ context.Context, sub interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := sub.(*subscription.Subscription); ok {
		r.updated = append(r.updated, s)
	}
	return nil
}

func (r *lifecycleRecorder) OnWebhookDuplicate(_ context.Context, _, eventID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates = append(r.duplicates, eventID)
	return nil
}

func TestWebhookUpdateNotifiesPlugins(t *testing.T) {
	rec := &lifecycleRecorder{}
	eng, _ := newTestEngine(t, billing.WithPlugin(rec))
	ctx := context.Background()

	p := createTestPlan(t, eng)
	sub := createTestSubscription(t, eng, p, "provsub_hooks")

	data, _ := json.Marshal(map[string]any{
		"id":       "provsub_hooks",
		"customer": "cus_1",
		"price":    p.ProviderPriceID,
		"status":   "past_due",
	})
	out, err := eng.ProcessWebhook(ctx, &webhook.Envelope{
		ID:       "evt_hooks_1",
		Provider: "stripe",
		Type:     "customer.subscription.updated",
		Data:     data,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied {
		t.Fatal("expected the event to apply")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.updated) != 1 {
		t.Fatalf("expected one update notification, got %d", len(rec.updated))
	}
	got := rec.updated[0]
	if got.ID != sub.ID || got.Status != subscription.StatusPastDue {
		t.Fatalf("unexpected notified subscription: %+v", got)
	}
}

func TestWebhookDuplicateNotifiesPlugins(t *testing.T) {
	rec := &lifecycleRecorder{}
	eng, _ := newTestEngine(t, billing.WithPlugin(rec))
	ctx := context.Background()

	p := createTestPlan(t, eng)
	createTestSubscription(t, eng, p, "provsub_dup")

	data, _ := json.Marshal(map[string]any{
		"id":       "provsub_dup",
		"customer": "cus_1",
		"price":    p.ProviderPriceID,
		"status":   "past_due",
	})
	env := &webhook.Envelope{
		ID:       "evt_dup_1",
		Provider: "stripe",
		Type:     "customer.subscription.updated",
		Data:     data,
	}
	if _, err := eng.ProcessWebhook(ctx, env); err != nil {
		t.Fatal(err)
	}

	out, err := eng.ProcessWebhook(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate {
		t.Fatal("expected a duplicate outcome on redelivery")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.duplicates) != 1 || rec.duplicates[0] != "evt_dup_1" {
		t.Fatalf("unexpected duplicate notifications: %v", rec.duplicates)
	}
	// The redelivery must not fire a second update.
	if len(rec.updated) != 1 {
		t.Fatalf("expected a single update notification, got %d", len(rec.updated))
	}
}

type engineMutator struct {
	failing map[string]bool
}

func (m *engineMutator) ResolveTargets(_ context.Context, _ string, ids []string) ([]string, error) {
	return ids, nil
}

func (m *engineMutator) ApplyMutation(_ context.Context, _, targetID string, _ job.OpKind, _ map[string]string) error {
	if m.failing[targetID] {
		return fmt.Errorf("target %s is locked", targetID)
	}
	return nil
}

func TestEnqueueBulkOperation(t *testing.T) {
	eng, _ := newTestEngine(t, billing.WithTargetMutator(&engineMutator{
		failing: map[string]bool{"task_2": true},
	}))
	ctx := context.Background()

	jobID, err := eng.EnqueueBulkOperation(&job.Payload{
		Kind:      job.OpArchive,
		TenantID:  "tenant_1",
		ActorID:   "user_1",
		TargetIDs: []string{"task_1", "task_2", "task_3"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var res *job.Result
	waitFor(t, func() bool {
		r, err := eng.JobResult(ctx, jobID)
		if err != nil {
			return false
		}
		res = r
		return true
	})

	if res.SuccessfulCount != 2 || res.FailedCount != 1 {
		t.Fatalf("expected 2/1, got %d/%d", res.SuccessfulCount, res.FailedCount)
	}
	if len(res.Details) != 1 || res.Details[0].TargetID != "task_2" {
		t.Fatalf("unexpected failure details: %+v", res.Details)
	}
}

func TestEnqueueBulkOperationWithoutMutator(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.EnqueueBulkOperation(&job.Payload{
		Kind:      job.OpArchive,
		TenantID:  "tenant_1",
		TargetIDs: []string{"task_1"},
	}); err == nil {
		t.Fatal("expected an error without a configured mutator")
	}
}

func TestSweepThroughEngine(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	p := createTestPlan(t, eng)
	sub := createTestSubscription(t, eng, p, "provsub_sweep")

	past := time.Now().UTC().Add(-time.Hour)
	if err := eng.CancelSubscription(ctx, sub.ID, &past); err != nil {
		t.Fatal(err)
	}

	sum, err := eng.SweepGracePeriods(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Expired != 1 {
		t.Fatalf("expected one expiration, got %d", sum.Expired)
	}

	got, err := st.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != subscription.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}
