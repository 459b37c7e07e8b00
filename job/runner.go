package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds how a job is executed: a fixed attempt count, an
// explicit backoff schedule between attempts, and a wall-clock timeout per
// attempt. A timeout is a retryable failure, not data corruption; handlers
// are idempotent so "assume not completed, safe to retry" holds.
type RetryPolicy struct {
	Attempts int
	Backoff  []time.Duration
	Timeout  time.Duration
}

// Standard policies for the built-in queues.
var (
	WebhookPolicy = RetryPolicy{
		Attempts: 3,
		Backoff:  []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
		Timeout:  120 * time.Second,
	}
	BulkPolicy = RetryPolicy{
		Attempts: 3,
		Backoff:  []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
		Timeout:  300 * time.Second,
	}
)

// delay returns the backoff before the given retry (1-based). Past the end
// of the schedule the last entry repeats.
func (p RetryPolicy) delay(retry int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if retry > len(p.Backoff) {
		retry = len(p.Backoff)
	}
	return p.Backoff[retry-1]
}

// Func is one unit of work. It must respect ctx cancellation: the per
// attempt timeout arrives through the context.
type Func func(ctx context.Context) error

// Runner executes a Func under a RetryPolicy.
type Runner struct {
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// withSleep overrides the inter-attempt wait. Tests use this to avoid real
// backoff delays.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) {
		r.sleep = sleep
	}
}

// NewRunner creates a runner for the given policy.
func NewRunner(policy RetryPolicy, opts ...RunnerOption) *Runner {
	r := &Runner{
		policy: policy,
		logger: slog.Default(),
		sleep:  sleepCtx,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes fn until it succeeds or the attempt budget is spent. Every
// failure consumes an attempt, permanent data errors included; the caller
// classifies the final error when deciding what to persist.
func (r *Runner) Run(ctx context.Context, jobID string, fn Func) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 1 {
				r.logger.Info("job succeeded after retry",
					"job_id", jobID,
					"attempt", attempt,
				)
			}
			return nil
		}
		lastErr = err

		r.logger.Warn("job attempt failed",
			"job_id", jobID,
			"attempt", attempt,
			"max_attempts", r.policy.Attempts,
			"error", err,
		)

		if attempt < r.policy.Attempts {
			if err := r.sleep(ctx, r.policy.delay(attempt)); err != nil {
				return fmt.Errorf("job %s interrupted during backoff: %w", jobID, err)
			}
		}
	}

	return fmt.Errorf("job %s failed after %d attempts: %w", jobID, r.policy.Attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
