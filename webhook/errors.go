package webhook

import (
	"errors"

	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/subscription"
)

// Permanent data errors. These propagate to the job envelope, consume an
// attempt, and land the event in the failure table once retries are
// exhausted.
var (
	ErrTenantNotFound  = errors.New("billing: tenant not found for provider customer")
	ErrInvalidEnvelope = errors.New("billing: invalid webhook envelope")

	ErrPlanNotFound         = plan.ErrNotFound
	ErrSubscriptionNotFound = subscription.ErrNotFound
)

// IsPermanent reports whether err is a data error that no retry can fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrInvalidEnvelope)
}
