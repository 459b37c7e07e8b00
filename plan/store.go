package plan

import (
	"context"
	"errors"

	"github.com/slateboard/billing/id"
)

// ErrNotFound is returned by lookups that match no plan.
var ErrNotFound = errors.New("billing: plan not found")

type Store interface {
	Create(ctx context.Context, p *Plan) error
	Get(ctx context.Context, planID id.PlanID) (*Plan, error)
	GetBySlug(ctx context.Context, slug string) (*Plan, error)
	GetByProviderPriceID(ctx context.Context, providerPriceID string) (*Plan, error)
	List(ctx context.Context, opts ListOpts) ([]*Plan, error)
	Update(ctx context.Context, p *Plan) error
	Archive(ctx context.Context, planID id.PlanID) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
