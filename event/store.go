package event

import (
	"context"
	"time"

	"github.com/slateboard/billing/id"
)

type Store interface {
	Append(ctx context.Context, e *SubscriptionEvent) error
	ListBySubscription(ctx context.Context, subID id.SubscriptionID, opts ListOpts) ([]*SubscriptionEvent, error)

	// HasGraceNotification reports whether a grace_period_notification
	// event with the given schedule day was appended for the
	// subscription at or after since.
	HasGraceNotification(ctx context.Context, subID id.SubscriptionID, day int, since time.Time) (bool, error)
}

type ListOpts struct {
	Type   Type
	Since  time.Time
	Limit  int
	Offset int
}
