package grace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/types"
)

type memStore struct {
	subs      map[id.SubscriptionID]*subscription.Subscription
	events    []*event.SubscriptionEvent
	mutateErr map[id.SubscriptionID]error
	mutations int
}

func newMemStore() *memStore {
	return &memStore{
		subs:      make(map[id.SubscriptionID]*subscription.Subscription),
		mutateErr: make(map[id.SubscriptionID]error),
	}
}

func (m *memStore) add(status subscription.Status, endsAt *time.Time) *subscription.Subscription {
	s := &subscription.Subscription{
		Entity:   types.NewEntity(),
		ID:       id.NewSubscriptionID(),
		TenantID: "tenant_1",
		PlanID:   id.NewPlanID(),
		Status:   status,
		EndsAt:   endsAt,
	}
	m.subs[s.ID] = s
	return s
}

func (m *memStore) ListInGraceWindow(_ context.Context, now, horizon time.Time, limit int) ([]*subscription.Subscription, error) {
	var out []*subscription.Subscription
	for _, s := range m.subs {
		if !s.InGracePeriod(now) || s.EndsAt.After(horizon) {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListExpiryCandidates(_ context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	var out []*subscription.Subscription
	for _, s := range m.subs {
		if s.Status == subscription.StatusExpired || s.EndsAt == nil || s.EndsAt.After(now) {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MutateSubscription(_ context.Context, subID id.SubscriptionID, fn subscription.MutateFunc) error {
	if err := m.mutateErr[subID]; err != nil {
		return err
	}
	s, ok := m.subs[subID]
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

func (m *memStore) HasGraceNotification(_ context.Context, subID id.SubscriptionID, day int, since time.Time) (bool, error) {
	for _, e := range m.events {
		if e.SubscriptionID != subID || e.Type != event.TypeGraceNotification {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		if d, ok := e.Payload["day"].(int); ok && d == day {
			return true, nil
		}
	}
	return false, nil
}

type recordingNotifier struct {
	sent []int
	fail bool
}

func (n *recordingNotifier) SendGracePeriodNotification(_ context.Context, _ *subscription.Subscription, day int) (bool, error) {
	if n.fail {
		return false, errors.New("smtp down")
	}
	n.sent = append(n.sent, day)
	return true, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNotificationDedup(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newMemStore()
	ends := now.Add(48 * time.Hour)
	m.add(subscription.StatusPastDue, &ends)

	n := &recordingNotifier{}
	sw := NewSweeper(m, n, WithClock(fixedClock(now)))
	ctx := context.Background()

	sum, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.NotificationsSent != 1 {
		t.Fatalf("sent = %d, want 1", sum.NotificationsSent)
	}
	if len(n.sent) != 1 || n.sent[0] != 3 {
		t.Errorf("notified days = %v, want [3]", n.sent)
	}
	if len(m.events) != 1 || m.events[0].Type != event.TypeGraceNotification {
		t.Fatal("expected one grace notification marker event")
	}

	// Re-running the pass the same day sends nothing further.
	sum, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.NotificationsSent != 0 {
		t.Errorf("second sweep sent = %d, want 0", sum.NotificationsSent)
	}
	if sum.NotificationsSkipped != 1 {
		t.Errorf("second sweep skipped = %d, want 1", sum.NotificationsSkipped)
	}
	if len(n.sent) != 1 {
		t.Errorf("notifier called %d times, want 1", len(n.sent))
	}
}

func TestNotificationOutsideSchedule(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newMemStore()
	ends := now.Add(30 * 24 * time.Hour)
	m.add(subscription.StatusCanceled, &ends)

	n := &recordingNotifier{}
	sw := NewSweeper(m, n, WithClock(fixedClock(now)))

	sum, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.NotificationsSent != 0 || len(n.sent) != 0 {
		t.Error("subscription outside the warning horizon must not be notified")
	}
}

func TestExpirationPass(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newMemStore()
	ends := now.Add(-time.Hour)
	s := m.add(subscription.StatusCanceled, &ends)

	sw := NewSweeper(m, NopNotifier{}, WithClock(fixedClock(now)))

	sum, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Expired != 1 {
		t.Fatalf("expired = %d, want 1", sum.Expired)
	}

	got := m.subs[s.ID]
	if got.Status != subscription.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got.EndsAt == nil || !got.EndsAt.Equal(ends) {
		t.Error("expiration must leave ends_at unchanged")
	}

	var expiredEvents int
	for _, e := range m.events {
		if e.Type == event.TypeExpired {
			expiredEvents++
		}
	}
	if expiredEvents != 1 {
		t.Errorf("expired events = %d, want 1", expiredEvents)
	}

	// A second sweep is a no-op.
	sum, err = sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Expired != 0 {
		t.Errorf("second sweep expired = %d, want 0", sum.Expired)
	}
}

func TestSweepFaultIsolation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newMemStore()
	past := now.Add(-time.Hour)
	bad := m.add(subscription.StatusCanceled, &past)
	good := m.add(subscription.StatusPastDue, &past)
	m.mutateErr[bad.ID] = errors.New("row gone")

	sw := NewSweeper(m, NopNotifier{}, WithClock(fixedClock(now)))

	sum, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failures != 1 {
		t.Errorf("failures = %d, want 1", sum.Failures)
	}
	if sum.Expired != 1 {
		t.Errorf("expired = %d, want 1", sum.Expired)
	}
	if m.subs[good.ID].Status != subscription.StatusExpired {
		t.Error("healthy subscription must still be expired")
	}
}

func TestNotifierFailureCounted(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newMemStore()
	ends := now.Add(24 * time.Hour)
	m.add(subscription.StatusPastDue, &ends)

	n := &recordingNotifier{fail: true}
	sw := NewSweeper(m, n, WithClock(fixedClock(now)))

	sum, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failures != 1 {
		t.Errorf("failures = %d, want 1", sum.Failures)
	}
	if len(m.events) != 0 {
		t.Error("no marker event may be appended for a failed send")
	}
}
