package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/slateboard/billing/id"
)

// ErrNotFound is returned by lookups that match no subscription.
var ErrNotFound = errors.New("billing: subscription not found")

// MutateFunc is applied to a freshly read subscription inside the store's
// serialization boundary (row lock or equivalent optimistic check). It
// returns true when the subscription was changed and should be written back.
type MutateFunc func(s *Subscription) (changed bool, err error)

type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	GetByProviderSubID(ctx context.Context, providerSubID string) (*Subscription, error)
	List(ctx context.Context, tenantID string, opts ListOpts) ([]*Subscription, error)
	Update(ctx context.Context, s *Subscription) error

	// Mutate serializes a read-modify-write of a single subscription so two
	// concurrently processed webhooks cannot interleave an invalid
	// transition. The fn sees the current row state.
	Mutate(ctx context.Context, subID id.SubscriptionID, fn MutateFunc) error

	// ListInGraceWindow returns a bounded set of past_due/canceled
	// subscriptions with a non-nil EndsAt in (now, horizon].
	ListInGraceWindow(ctx context.Context, now, horizon time.Time, limit int) ([]*Subscription, error)

	// ListExpiryCandidates returns a bounded set of subscriptions whose
	// EndsAt has passed and whose status is not yet expired.
	ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
