package store

import (
	"context"
	"time"

	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/grace"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/job"
	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/webhook"
)

// Store is the unified storage interface for all billing entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Plan methods
	CreatePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error)
	GetPlanByProviderPriceID(ctx context.Context, priceID string) (*plan.Plan, error)
	ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error)
	UpdatePlan(ctx context.Context, p *plan.Plan) error
	ArchivePlan(ctx context.Context, planID id.PlanID) error

	// Subscription methods
	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	GetSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, s *subscription.Subscription) error
	MutateSubscription(ctx context.Context, subID id.SubscriptionID, fn subscription.MutateFunc) error
	ListInGraceWindow(ctx context.Context, now, horizon time.Time, limit int) ([]*subscription.Subscription, error)
	ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)

	// Subscription event methods
	AppendSubscriptionEvent(ctx context.Context, e *event.SubscriptionEvent) error
	ListSubscriptionEvents(ctx context.Context, subID id.SubscriptionID, opts event.ListOpts) ([]*event.SubscriptionEvent, error)
	HasGraceNotification(ctx context.Context, subID id.SubscriptionID, day int, since time.Time) (bool, error)

	// Webhook dedup and poison-message methods
	WasProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, pe *webhook.ProcessedEvent) error
	RecordFailure(ctx context.Context, fe *webhook.FailedEvent) error
	ListFailures(ctx context.Context, provider string, limit int) ([]*webhook.FailedEvent, error)

	// Job result methods
	PutJobResult(ctx context.Context, r *job.Result, ttl time.Duration) error
	GetJobResult(ctx context.Context, jobID string) (*job.Result, error)
	PutJobFailure(ctx context.Context, f *job.Failure, ttl time.Duration) error
	GetJobFailure(ctx context.Context, jobID string) (*job.Failure, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that the unified interface covers the narrow
// consumer-side interfaces.
var (
	_ webhook.Store   = (Store)(nil)
	_ grace.Store     = (Store)(nil)
	_ job.ResultStore = (Store)(nil)
)
