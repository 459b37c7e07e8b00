package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidPayload is returned when a bulk payload fails validation before
// any mutation runs.
var ErrInvalidPayload = errors.New("billing: invalid bulk operation payload")

// OpKind is the closed set of bulk mutation kinds.
type OpKind string

const (
	OpUpdate   OpKind = "update"
	OpMove     OpKind = "move"
	OpArchive  OpKind = "archive"
	OpDelete   OpKind = "delete"
	OpAssign   OpKind = "assign"
	OpLabel    OpKind = "label"
	OpStatus   OpKind = "status"
	OpPriority OpKind = "priority"
	OpDueDate  OpKind = "due_date"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpUpdate, OpMove, OpArchive, OpDelete, OpAssign, OpLabel, OpStatus, OpPriority, OpDueDate:
		return true
	}
	return false
}

// Payload describes one bulk mutation request: what to do, to which
// entities, on whose behalf. The executor itself holds no state across
// invocations; everything a run needs is in the payload.
type Payload struct {
	JobID     string            `json:"job_id"`
	Kind      OpKind            `json:"kind"`
	TenantID  string            `json:"tenant_id"`
	ActorID   string            `json:"actor_id"`
	TargetIDs []string          `json:"target_ids"`
	Params    map[string]string `json:"params,omitempty"`
}

// TargetMutator is the host-side collaborator that owns the entities a bulk
// operation targets. ResolveTargets returns the subset of ids that exist
// within the tenant's scope; ApplyMutation mutates one entity inside its
// own transaction.
type TargetMutator interface {
	ResolveTargets(ctx context.Context, tenantID string, ids []string) ([]string, error)
	ApplyMutation(ctx context.Context, tenantID, targetID string, kind OpKind, params map[string]string) error
}

// Executor runs bulk mutations with per-item fault isolation and persists a
// result summary keyed by job id.
type Executor struct {
	mutator TargetMutator
	results ResultStore
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithResultTTL sets the retention for persisted result summaries.
func WithResultTTL(ttl time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.ttl = ttl
	}
}

// WithExecutorClock overrides the time source.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates a bulk operation executor.
func NewExecutor(m TargetMutator, rs ResultStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		mutator: m,
		results: rs,
		ttl:     DefaultResultTTL,
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs one bulk operation. A missing target is a warning counted in
// failed_count, not an abort: the operation proceeds on the subset found.
// Only a failure of the operation's own preconditions (bad payload,
// resolver unavailable) returns an error and escalates to job-level
// failure.
func (e *Executor) Execute(ctx context.Context, p *Payload) (*Result, error) {
	if p == nil || p.JobID == "" {
		return nil, fmt.Errorf("%w: missing job id", ErrInvalidPayload)
	}
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	if len(p.TargetIDs) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrInvalidPayload)
	}

	found, err := e.mutator.ResolveTargets(ctx, p.TenantID, p.TargetIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}

	result := &Result{
		JobID: p.JobID,
		Queue: QueueBulkOperations,
	}

	if len(found) < len(p.TargetIDs) {
		e.logger.Warn("bulk operation proceeding on subset of targets",
			"job_id", p.JobID,
			"kind", p.Kind,
			"requested", len(p.TargetIDs),
			"found", len(found),
		)
		for _, missing := range missingIDs(p.TargetIDs, found) {
			result.FailedCount++
			result.Details = append(result.Details, Detail{
				TargetID: missing,
				Error:    "not found",
			})
		}
	}

	for _, targetID := range found {
		if err := e.mutator.ApplyMutation(ctx, p.TenantID, targetID, p.Kind, p.Params); err != nil {
			result.FailedCount++
			result.Details = append(result.Details, Detail{
				TargetID: targetID,
				Error:    err.Error(),
			})
			e.logger.Warn("bulk mutation failed for target",
				"job_id", p.JobID,
				"kind", p.Kind,
				"target_id", targetID,
				"error", err,
			)
			continue
		}
		result.SuccessfulCount++
	}

	result.CompletedAt = e.now().UTC()
	if err := e.results.PutJobResult(ctx, result, e.ttl); err != nil {
		return result, fmt.Errorf("persist job result: %w", err)
	}

	return result, nil
}

func missingIDs(requested, found []string) []string {
	have := make(map[string]bool, len(found))
	for _, id := range found {
		have[id] = true
	}
	var missing []string
	for _, id := range requested {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
