package webhook

import (
	"context"

	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/subscription"
)

// Store is the slice of the persistence layer the processor needs. The
// module's unified store satisfies it.
type Store interface {
	GetPlanByProviderPriceID(ctx context.Context, priceID string) (*plan.Plan, error)

	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*subscription.Subscription, error)
	MutateSubscription(ctx context.Context, subID id.SubscriptionID, fn subscription.MutateFunc) error

	AppendSubscriptionEvent(ctx context.Context, e *event.SubscriptionEvent) error

	// WasProcessed is the synchronous half of the idempotency check; the
	// uniqueness constraint behind MarkProcessed is the authoritative half.
	WasProcessed(ctx context.Context, provider, eventID string) (bool, error)

	// MarkProcessed inserts the dedup row. A concurrent insert of the same
	// (provider, event id) pair must resolve as a no-op, not an error.
	MarkProcessed(ctx context.Context, pe *ProcessedEvent) error

	RecordFailure(ctx context.Context, fe *FailedEvent) error
}

// TenantResolver maps a provider customer id to a tenant. The host
// application supplies the implementation.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, providerCustomerID string) (tenantID string, err error)
}

// TenantResolverFunc adapts a function to the TenantResolver interface.
type TenantResolverFunc func(ctx context.Context, providerCustomerID string) (string, error)

func (f TenantResolverFunc) ResolveTenant(ctx context.Context, providerCustomerID string) (string, error) {
	return f(ctx, providerCustomerID)
}
