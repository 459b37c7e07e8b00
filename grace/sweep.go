package grace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/subscription"
)

const (
	defaultBatchLimit  = 500
	defaultDedupWindow = 30 * 24 * time.Hour
)

// Store is the slice of the persistence layer the sweeper needs. The
// module's unified store satisfies it.
type Store interface {
	ListInGraceWindow(ctx context.Context, now, horizon time.Time, limit int) ([]*subscription.Subscription, error)
	ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	MutateSubscription(ctx context.Context, subID id.SubscriptionID, fn subscription.MutateFunc) error
	AppendSubscriptionEvent(ctx context.Context, e *event.SubscriptionEvent) error
	HasGraceNotification(ctx context.Context, subID id.SubscriptionID, day int, since time.Time) (bool, error)
}

// Summary reports what one sweep did.
type Summary struct {
	StartedAt            time.Time `json:"started_at"`
	NotificationsSent    int       `json:"notifications_sent"`
	NotificationsSkipped int       `json:"notifications_skipped"`
	Expired              int       `json:"expired"`
	Failures             int       `json:"failures"`
}

// Sweeper runs the recurring grace-period escalation: a notification pass
// over subscriptions approaching their ends_at boundary, then an expiration
// pass over subscriptions whose boundary has passed. Each subscription is
// handled in its own store round trip so one bad record cannot fail the
// whole sweep.
type Sweeper struct {
	store       Store
	notifier    Notifier
	schedule    Schedule
	logger      *slog.Logger
	now         func() time.Time
	batchLimit  int
	dedupWindow time.Duration
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSchedule replaces the default escalation schedule.
func WithSchedule(s Schedule) SweeperOption {
	return func(sw *Sweeper) {
		sw.schedule = s.Normalize()
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SweeperOption {
	return func(sw *Sweeper) {
		sw.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SweeperOption {
	return func(sw *Sweeper) {
		sw.now = now
	}
}

// WithBatchLimit bounds how many subscriptions each pass reads.
func WithBatchLimit(n int) SweeperOption {
	return func(sw *Sweeper) {
		sw.batchLimit = n
	}
}

// WithDedupWindow sets the recency window for the already-notified check.
// A subscription that cycles through multiple grace periods over its
// lifetime is notified again once the window has passed.
func WithDedupWindow(d time.Duration) SweeperOption {
	return func(sw *Sweeper) {
		sw.dedupWindow = d
	}
}

// NewSweeper creates a grace-period sweeper.
func NewSweeper(s Store, n Notifier, opts ...SweeperOption) *Sweeper {
	sw := &Sweeper{
		store:       s,
		notifier:    n,
		schedule:    DefaultSchedule.Normalize(),
		logger:      slog.Default(),
		now:         time.Now,
		batchLimit:  defaultBatchLimit,
		dedupWindow: defaultDedupWindow,
	}

	for _, opt := range opts {
		opt(sw)
	}

	return sw
}

// Sweep runs both passes once. Per-subscription failures are counted and
// logged; only a failure to read the candidate sets at all returns an error.
func (sw *Sweeper) Sweep(ctx context.Context) (*Summary, error) {
	now := sw.now().UTC()
	sum := &Summary{StartedAt: now}

	if err := sw.notifyPass(ctx, now, sum); err != nil {
		return sum, err
	}
	if err := sw.expirePass(ctx, now, sum); err != nil {
		return sum, err
	}

	sw.logger.Info("grace period sweep completed",
		"sent", sum.NotificationsSent,
		"skipped", sum.NotificationsSkipped,
		"expired", sum.Expired,
		"failures", sum.Failures,
	)

	return sum, nil
}

func (sw *Sweeper) notifyPass(ctx context.Context, now time.Time, sum *Summary) error {
	subs, err := sw.store.ListInGraceWindow(ctx, now, now.Add(sw.schedule.Horizon()), sw.batchLimit)
	if err != nil {
		return fmt.Errorf("list grace window: %w", err)
	}

	for _, sub := range subs {
		if sub.EndsAt == nil {
			continue
		}
		day, ok := sw.schedule.NotificationDay(DaysUntil(now, *sub.EndsAt))
		if !ok {
			continue
		}

		sent, err := sw.notifyOne(ctx, sub, day, now)
		if err != nil {
			sum.Failures++
			sw.logger.Warn("grace notification failed",
				"subscription_id", sub.ID,
				"day", day,
				"error", err,
			)
			continue
		}
		if sent {
			sum.NotificationsSent++
		} else {
			sum.NotificationsSkipped++
		}
	}

	return nil
}

func (sw *Sweeper) notifyOne(ctx context.Context, sub *subscription.Subscription, day int, now time.Time) (bool, error) {
	seen, err := sw.store.HasGraceNotification(ctx, sub.ID, day, now.Add(-sw.dedupWindow))
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	confirmed, err := sw.notifier.SendGracePeriodNotification(ctx, sub, day)
	if err != nil {
		return false, err
	}
	if !confirmed {
		// Unconfirmed send: no marker, the next sweep retries.
		return false, nil
	}

	marker := event.New(sub.ID, event.TypeGraceNotification, map[string]any{
		"day":     day,
		"ends_at": sub.EndsAt.UTC().Format(time.RFC3339),
	})
	if err := sw.store.AppendSubscriptionEvent(ctx, marker); err != nil {
		return false, err
	}

	return true, nil
}

func (sw *Sweeper) expirePass(ctx context.Context, now time.Time, sum *Summary) error {
	subs, err := sw.store.ListExpiryCandidates(ctx, now, sw.batchLimit)
	if err != nil {
		return fmt.Errorf("list expiry candidates: %w", err)
	}

	for _, sub := range subs {
		expired, err := sw.expireOne(ctx, sub.ID)
		if err != nil {
			sum.Failures++
			sw.logger.Warn("expiration failed",
				"subscription_id", sub.ID,
				"error", err,
			)
			continue
		}
		if expired {
			sum.Expired++
		}
	}

	return nil
}

// expireOne transitions a single subscription to expired in its own store
// round trip. Already-expired subscriptions are a safe no-op. EndsAt is
// left untouched: it records when the grace period actually ended.
func (sw *Sweeper) expireOne(ctx context.Context, subID id.SubscriptionID) (bool, error) {
	changed := false
	err := sw.store.MutateSubscription(ctx, subID, func(s *subscription.Subscription) (bool, error) {
		if s.Status == subscription.StatusExpired {
			return false, nil
		}
		s.Status = subscription.StatusExpired
		changed = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	e := event.New(subID, event.TypeExpired, map[string]any{
		"reason": "grace_period_elapsed",
	})
	if err := sw.store.AppendSubscriptionEvent(ctx, e); err != nil {
		return true, err
	}

	return true, nil
}
