package grace

import (
	"context"

	"github.com/slateboard/billing/subscription"
)

// Notifier delivers grace-period warnings. The host application supplies
// the implementation (email, in-app, etc). The marker event is only
// appended after a confirmed send.
type Notifier interface {
	SendGracePeriodNotification(ctx context.Context, sub *subscription.Subscription, day int) (bool, error)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, sub *subscription.Subscription, day int) (bool, error)

func (f NotifierFunc) SendGracePeriodNotification(ctx context.Context, sub *subscription.Subscription, day int) (bool, error) {
	return f(ctx, sub, day)
}

// NopNotifier confirms every send without delivering anything. Useful when
// the host only wants the expiration pass.
type NopNotifier struct{}

func (NopNotifier) SendGracePeriodNotification(context.Context, *subscription.Subscription, int) (bool, error) {
	return true, nil
}
