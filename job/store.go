package job

import (
	"context"
	"errors"
	"time"
)

// ErrResultNotFound is returned when no result or failure record exists for
// a job id, including records that aged out of their TTL.
var ErrResultNotFound = errors.New("billing: job result not found")

// ResultStore is the slice of the persistence layer the job envelope needs.
// The module's unified store satisfies it.
type ResultStore interface {
	PutJobResult(ctx context.Context, r *Result, ttl time.Duration) error
	GetJobResult(ctx context.Context, jobID string) (*Result, error)
	PutJobFailure(ctx context.Context, f *Failure, ttl time.Duration) error
	GetJobFailure(ctx context.Context, jobID string) (*Failure, error)
}
