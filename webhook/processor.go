package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/types"
)

// Processor ingests provider webhook events. It is safe to invoke multiple
// times with the same event id: the dedup ledger makes redelivery a no-op.
type Processor struct {
	store   Store
	tenants TenantResolver
	logger  *slog.Logger
	now     func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a webhook processor.
func NewProcessor(s Store, tenants TenantResolver, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:   s,
		tenants: tenants,
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Process applies one provider event. An error return means the attempt
// failed and the surrounding job envelope decides whether to retry; a nil
// error with Ignored set means the event required no state change but is
// still marked processed so redelivery stays a no-op.
func (p *Processor) Process(ctx context.Context, env *Envelope) (*Outcome, error) {
	if env == nil || env.ID == "" || env.Type == "" {
		return nil, ErrInvalidEnvelope
	}

	processed, err := p.store.WasProcessed(ctx, env.Provider, env.ID)
	if err != nil {
		return nil, err
	}
	if processed {
		p.logger.Debug("webhook event already processed",
			"provider", env.Provider,
			"event_id", env.ID,
		)
		return &Outcome{Kind: env.Kind(), Duplicate: true}, nil
	}

	out := &Outcome{Kind: env.Kind()}

	switch out.Kind {
	case KindSubscriptionCreated:
		err = p.handleSubscriptionCreated(ctx, env, out)
	case KindSubscriptionUpdated:
		err = p.handleSubscriptionUpdated(ctx, env, out)
	case KindSubscriptionDeleted:
		err = p.handleSubscriptionDeleted(ctx, env, out)
	case KindPaymentSucceeded:
		err = p.handlePaymentSucceeded(ctx, env, out)
	case KindPaymentFailed:
		err = p.handlePaymentFailed(ctx, env, out)
	case KindTrialWillEnd:
		err = p.handleTrialWillEnd(ctx, env, out)
	case KindInvoiceUpcoming:
		err = p.handleInvoiceUpcoming(ctx, env, out)
	default:
		p.logger.Warn("unrecognized webhook event type",
			"provider", env.Provider,
			"type", env.Type,
			"event_id", env.ID,
		)
		out.Ignored = true
	}
	if err != nil {
		return nil, err
	}

	// Ignored outcomes are marked processed too so the provider's retries
	// of the same event stay silent. An insert race with a concurrent
	// worker resolves via the unique constraint as a no-op.
	if err := p.store.MarkProcessed(ctx, &ProcessedEvent{
		EventID:     env.ID,
		Provider:    env.Provider,
		ProcessedAt: p.now().UTC(),
	}); err != nil {
		return nil, err
	}

	return out, nil
}

func (p *Processor) handleSubscriptionCreated(ctx context.Context, env *Envelope, out *Outcome) error {
	d, err := decodeSubscriptionData(env)
	if err != nil {
		return err
	}

	tenantID, err := p.tenants.ResolveTenant(ctx, d.CustomerID)
	if err != nil {
		return fmt.Errorf("resolve tenant for customer %q: %w", d.CustomerID, err)
	}
	if tenantID == "" {
		return fmt.Errorf("%w: customer %q", ErrTenantNotFound, d.CustomerID)
	}

	pl, err := p.store.GetPlanByProviderPriceID(ctx, d.PriceID)
	if err != nil {
		return fmt.Errorf("resolve plan for price %q: %w", d.PriceID, err)
	}

	existing, err := p.store.GetSubscriptionByProviderSubID(ctx, d.SubscriptionID)
	switch {
	case err == nil:
		// Redelivered create for a known subscription: fall back to the
		// update path so status and trial fields still converge.
		return p.applySubscriptionUpdate(ctx, env, existing, d, out)

	case errors.Is(err, ErrSubscriptionNotFound):
		now := p.now().UTC()

		status := mapProviderStatus(d.Status)
		trialEnd := d.TrialEnd
		if !status.Valid() {
			status = subscription.StatusActive
			if trialEnd == nil && pl.TrialDays > 0 {
				t := now.AddDate(0, 0, pl.TrialDays)
				trialEnd = &t
			}
			if trialEnd != nil && trialEnd.After(now) {
				status = subscription.StatusTrialing
			}
		}

		sub := &subscription.Subscription{
			Entity:             types.NewEntity(),
			ID:                 id.NewSubscriptionID(),
			TenantID:           tenantID,
			PlanID:             pl.ID,
			Status:             status,
			ProviderSubID:      d.SubscriptionID,
			ProviderCustomerID: d.CustomerID,
			ProviderName:       env.Provider,
			TrialEndsAt:        trialEnd,
			EndsAt:             endsAtFrom(d),
			Metadata:           d.Metadata,
		}
		if err := p.store.CreateSubscription(ctx, sub); err != nil {
			return err
		}

		if err := p.store.AppendSubscriptionEvent(ctx, event.New(sub.ID, event.TypeCreated, map[string]any{
			"provider":     env.Provider,
			"provider_sub": d.SubscriptionID,
			"plan_id":      pl.ID.String(),
			"status":       string(status),
		})); err != nil {
			return err
		}

		out.Applied = true
		return nil

	default:
		return err
	}
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, env *Envelope, out *Outcome) error {
	d, err := decodeSubscriptionData(env)
	if err != nil {
		return err
	}

	sub, err := p.store.GetSubscriptionByProviderSubID(ctx, d.SubscriptionID)
	if err != nil {
		return fmt.Errorf("subscription %q: %w", d.SubscriptionID, err)
	}

	return p.applySubscriptionUpdate(ctx, env, sub, d, out)
}

// applySubscriptionUpdate converges an existing subscription onto the
// provider's view. A status change that fails the transition table is
// logged and skipped; the remaining fields in the same event still apply.
func (p *Processor) applySubscriptionUpdate(ctx context.Context, env *Envelope, sub *subscription.Subscription, d *SubscriptionData, out *Outcome) error {
	changed := false
	var converged subscription.Subscription
	err := p.store.MutateSubscription(ctx, sub.ID, func(s *subscription.Subscription) (bool, error) {
		c := false

		if desired := mapProviderStatus(d.Status); desired.Valid() && desired != s.Status {
			if subscription.IsValidTransition(s.Status, desired) {
				s.Status = desired
				c = true
			} else {
				p.logger.Warn("skipping invalid status transition",
					"subscription_id", s.ID,
					"from", s.Status,
					"to", desired,
					"event_id", env.ID,
				)
			}
		}

		if d.TrialEnd != nil && !timePtrEqual(s.TrialEndsAt, d.TrialEnd) {
			s.TrialEndsAt = d.TrialEnd
			c = true
		}
		if ea := endsAtFrom(d); ea != nil && !timePtrEqual(s.EndsAt, ea) {
			s.EndsAt = ea
			c = true
		}

		changed = c
		converged = *s
		return c, nil
	})
	if err != nil {
		return err
	}

	if !changed {
		return nil
	}

	if err := p.store.AppendSubscriptionEvent(ctx, event.New(sub.ID, event.TypeUpdated, map[string]any{
		"provider": env.Provider,
		"status":   d.Status,
	})); err != nil {
		return err
	}

	out.Applied = true
	out.Subscription = &converged
	return nil
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, env *Envelope, out *Outcome) error {
	d, err := decodeSubscriptionData(env)
	if err != nil {
		return err
	}

	sub, err := p.store.GetSubscriptionByProviderSubID(ctx, d.SubscriptionID)
	if err != nil {
		return fmt.Errorf("subscription %q: %w", d.SubscriptionID, err)
	}

	changed := false
	err = p.store.MutateSubscription(ctx, sub.ID, func(s *subscription.Subscription) (bool, error) {
		if s.Status == subscription.StatusExpired {
			return false, nil
		}
		s.Status = subscription.StatusExpired
		if ea := endsAtFrom(d); ea != nil {
			s.EndsAt = ea
		} else if s.EndsAt == nil {
			now := p.now().UTC()
			s.EndsAt = &now
		}
		changed = true
		return true, nil
	})
	if err != nil {
		return err
	}

	if !changed {
		return nil
	}

	if err := p.store.AppendSubscriptionEvent(ctx, event.New(sub.ID, event.TypeExpired, map[string]any{
		"provider": env.Provider,
		"reason":   "subscription_deleted",
	})); err != nil {
		return err
	}

	out.Applied = true
	return nil
}

func (p *Processor) handlePaymentSucceeded(ctx context.Context, env *Envelope, out *Outcome) error {
	d, err := decodeInvoiceData(env)
	if err != nil {
		return err
	}
	if d.SubscriptionID == "" {
		// One-off payment, not a subscription payment.
		p.logger.Warn("payment event without subscription, ignoring",
			"provider", env.Provider,
			"event_id", env.ID,
		)
		out.Ignored = true
		return nil
	}

	sub, err := p.store.GetSubscriptionByProviderSubID(ctx, d.SubscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		p.logger.Warn("payment succeeded for unknown subscription, ignoring",
			"provider", env.Provider,
			"provider_sub", d.SubscriptionID,
			"event_id", env.ID,
		)
		out.Ignored = true
		return nil
	}
	if err != nil {
		return err
	}

	err = p.store.MutateSubscription(ctx, sub.ID, func(s *subscription.Subscription) (bool, error) {
		if s.Status != subscription.StatusPastDue {
			return false, nil
		}
		s.Status = subscription.StatusActive
		s.EndsAt = nil
		return true, nil
	})
	if err != nil {
		return err
	}

	if err := p.store.AppendSubscriptionEvent(ctx, event.New(sub.ID, event.TypePaymentSucceeded, map[string]any{
		"amount_due": d.AmountDue,
		"currency":   d.Currency,
	})); err != nil {
		return err
	}

	out.Applied = true
	return nil
}

func (p *Processor) handlePaymentFailed(ctx context.Context, env *Envelope, out *Outcome) error {
	d, err := decodeInvoiceData(env)
	if err != nil {
		return err
	}
	if d.SubscriptionID == "" {
		p.logger.Warn("payment failure without subscription, ignoring",
			"provider", env.Provider,
			"event_id", env.ID,
		)
		out.Ignored = true
		return nil
	}

	// A failed payment that names a subscription we cannot find is a
	// dunning gap, not noise. Fail so the event lands in the failure
	// table for operator review.
	sub, err := p.store.GetSubscriptionByProviderSubID(ctx, d.SubscriptionID)
	if err != nil {
		return fmt.Errorf("payment failed for subscription %q: %w", d.SubscriptionID, err)
	}

	err = p.store.MutateSubscription(ctx, sub.ID, func(s *subscription.Subscription) (bool, error) {
		if s.Status != subscription.StatusActive && s.Status != subscription.StatusTrialing {
			return false, nil
		}
		s.Status = subscription.StatusPastDue
		return true, nil
	})
	if err != nil {
		return err
	}

	payload := map[string]any{
		"amount_due":    d.AmountDue,
		"currency":      d.Currency,
		"attempt_count": d.AttemptCount,
	}
	if d.NextPaymentAttempt != nil {
		payload["next_payment_attempt"] = d.NextPaymentAttempt.UTC().Format(time.RFC3339)
	}
	if err := p.store.AppendSubscriptionEvent(ctx, event.New(sub.ID, event.TypePaymentFailed, payload)); err != nil {
		return err
	}

	out.Applied = true
	return nil
}

func (p *Processor) handleTrialWillEnd(ctx context.Context, env *Envelope, out *Outcome) error {
	d, err := decodeSubscriptionData(env)
	if err != nil {
		return err
	}

	sub, err := p.store.GetSubscriptionByProviderSubID(ctx, d.SubscriptionID)
	if err != nil {
		return fmt.Errorf("subscription %q: %w", d.SubscriptionID, err)
	}

	// Informational only, no state mutation.
	payload := map[string]any{"provider": env.Provider}
	if d.TrialEnd != nil {
		payload["trial_end"] = d.TrialEnd.UTC().Format(time.RFC3339)
	}
	if err := p.store.AppendSubscriptionEvent(ctx, event.New(sub.ID, event.TypeTrialWillEnd, payload)); err != nil {
		return err
	}

	out.Applied = true
	return nil
}

func (p *Processor) handleInvoiceUpcoming(ctx context.Context, env *Envelope, out *Outcome) error {
	d, err := decodeInvoiceData(env)
	if err != nil {
		return err
	}

	sub, err := p.store.GetSubscriptionByProviderSubID(ctx, d.SubscriptionID)
	if d.SubscriptionID == "" || errors.Is(err, ErrSubscriptionNotFound) {
		// Forward-looking notice, not a state-changing fact.
		p.logger.Warn("upcoming invoice for unknown subscription, ignoring",
			"provider", env.Provider,
			"provider_sub", d.SubscriptionID,
			"event_id", env.ID,
		)
		out.Ignored = true
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.store.AppendSubscriptionEvent(ctx, event.New(sub.ID, event.TypeInvoiceUpcoming, map[string]any{
		"amount_due": d.AmountDue,
		"currency":   d.Currency,
	})); err != nil {
		return err
	}

	out.Applied = true
	return nil
}

func decodeSubscriptionData(env *Envelope) (*SubscriptionData, error) {
	var d SubscriptionData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("%w: decode %s data: %v", ErrInvalidEnvelope, env.Type, err)
	}
	if d.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: %s without subscription id", ErrInvalidEnvelope, env.Type)
	}
	return &d, nil
}

func decodeInvoiceData(env *Envelope) (*InvoiceData, error) {
	var d InvoiceData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("%w: decode %s data: %v", ErrInvalidEnvelope, env.Type, err)
	}
	return &d, nil
}

// mapProviderStatus translates a provider status string into the closed
// status set. Unmapped values return an invalid Status.
func mapProviderStatus(s string) subscription.Status {
	switch s {
	case "trialing":
		return subscription.StatusTrialing
	case "active":
		return subscription.StatusActive
	case "past_due", "unpaid":
		return subscription.StatusPastDue
	case "canceled":
		return subscription.StatusCanceled
	case "incomplete_expired":
		return subscription.StatusExpired
	}
	return ""
}

// endsAtFrom picks the grace-period boundary from the event, preferring the
// definitive ended_at over the scheduled cancel_at.
func endsAtFrom(d *SubscriptionData) *time.Time {
	if d.EndedAt != nil {
		return d.EndedAt
	}
	return d.CancelAt
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
