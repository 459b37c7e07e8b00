package billing

import (
	"errors"
	"fmt"

	"github.com/slateboard/billing/job"
	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/webhook"
)

// Sentinel errors for common failure scenarios. Domain packages own the
// errors their stores return; they are re-exported here so callers can
// classify everything through one import.
var (
	// General errors
	ErrNotFound      = errors.New("billing: not found")
	ErrAlreadyExists = errors.New("billing: already exists")
	ErrInvalidInput  = errors.New("billing: invalid input")

	// Domain errors
	ErrPlanNotFound         = plan.ErrNotFound
	ErrSubscriptionNotFound = subscription.ErrNotFound
	ErrTenantNotFound       = webhook.ErrTenantNotFound
	ErrInvalidEnvelope      = webhook.ErrInvalidEnvelope
	ErrJobResultNotFound    = job.ErrResultNotFound
	ErrQueueFull            = job.ErrQueueFull
	ErrQueueClosed          = job.ErrQueueClosed
	ErrInvalidBulkPayload   = job.ErrInvalidPayload

	// Store errors
	ErrStoreNotReady     = errors.New("billing: store not ready")
	ErrStoreClosed       = errors.New("billing: store is closed")
	ErrTransactionFailed = errors.New("billing: transaction failed")
	ErrMigrationFailed   = errors.New("billing: migration failed")
)

// InvalidTransitionError reports a status change the transition table
// rejects. Callers log and skip it; it is never fatal to the surrounding
// event.
type InvalidTransitionError struct {
	From subscription.Status
	To   subscription.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("billing: invalid transition from %s to %s", e.From, e.To)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrJobResultNotFound)
}

// IsPermanent returns true if the error is a data error no retry can fix.
// The job envelope still spends its attempt budget on these; the classifier
// decides what gets persisted afterwards.
func IsPermanent(err error) bool {
	return webhook.IsPermanent(err)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed)
}
