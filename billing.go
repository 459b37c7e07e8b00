package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/grace"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/job"
	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/plugin"
	"github.com/slateboard/billing/store"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/types"
	"github.com/slateboard/billing/webhook"
)

// Engine is the billing lifecycle core: webhook ingestion, the subscription
// state machine, grace-period escalation, and the background job envelope.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger

	// Wired during Start
	processor   *webhook.Processor
	sweeper     *grace.Sweeper
	executor    *job.Executor
	sweepRunner *job.Runner

	billingQueue *job.Queue
	bulkQueue    *job.Queue

	// Collaborators supplied by the host
	tenants  webhook.TenantResolver
	notifier grace.Notifier
	mutator  job.TargetMutator

	// Configuration
	webhookPolicy job.RetryPolicy
	bulkPolicy    job.RetryPolicy
	schedule      grace.Schedule
	sweepInterval time.Duration
	resultTTL     time.Duration
	dedupWindow   time.Duration
	queueWorkers  int

	// Background workers
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		plugins:       plugin.NewRegistry(),
		logger:        slog.Default(),
		webhookPolicy: job.WebhookPolicy,
		bulkPolicy:    job.BulkPolicy,
		schedule:      grace.DefaultSchedule,
		sweepInterval: 24 * time.Hour,
		resultTTL:     job.DefaultResultTTL,
		dedupWindow:   30 * 24 * time.Hour,
		queueWorkers:  4,
		stopChan:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithTenantResolver sets the mapping from provider customer ids to tenants.
func WithTenantResolver(r webhook.TenantResolver) Option {
	return func(e *Engine) {
		e.tenants = r
	}
}

// WithNotifier sets the grace-period notification channel. When unset, the
// first registered NotifierPlugin is used, then a no-op notifier.
func WithNotifier(n grace.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithTargetMutator enables bulk operations against host-owned entities.
func WithTargetMutator(m job.TargetMutator) Option {
	return func(e *Engine) {
		e.mutator = m
	}
}

// WithGraceSchedule replaces the default warning-day ladder.
func WithGraceSchedule(s grace.Schedule) Option {
	return func(e *Engine) {
		e.schedule = s
	}
}

// WithSweepInterval sets how often the grace-period sweep runs. Zero
// disables the scheduled trigger; SweepGracePeriods can still be called
// directly.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

// WithWebhookPolicy overrides the retry policy for the billing queue.
func WithWebhookPolicy(p job.RetryPolicy) Option {
	return func(e *Engine) {
		e.webhookPolicy = p
	}
}

// WithBulkPolicy overrides the retry policy for bulk and sweep jobs.
func WithBulkPolicy(p job.RetryPolicy) Option {
	return func(e *Engine) {
		e.bulkPolicy = p
	}
}

// WithResultTTL sets the retention for job results and failure records.
func WithResultTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.resultTTL = ttl
	}
}

// WithQueueWorkers sets the worker count per queue.
func WithQueueWorkers(n int) Option {
	return func(e *Engine) {
		e.queueWorkers = n
	}
}

// Start migrates the store, initializes plugins, and launches the queue
// workers and the scheduled sweep.
func (e *Engine) Start(ctx context.Context) error {
	// Migrate database
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	// Initialize plugins
	e.plugins.EmitInit(ctx, e)

	if e.tenants == nil {
		// Hosts that key tenants by the provider customer id need no
		// extra mapping.
		e.tenants = webhook.TenantResolverFunc(func(_ context.Context, customerID string) (string, error) {
			return customerID, nil
		})
	}
	if e.notifier == nil {
		for _, np := range e.plugins.GetNotifiers() {
			if n, ok := np.Notifier().(grace.Notifier); ok {
				e.notifier = n
				break
			}
		}
	}
	if e.notifier == nil {
		e.notifier = grace.NopNotifier{}
	}

	e.processor = webhook.NewProcessor(e.store, e.tenants,
		webhook.WithLogger(e.logger),
	)
	e.sweeper = grace.NewSweeper(e.store, e.wrapNotifier(e.notifier),
		grace.WithLogger(e.logger),
		grace.WithSchedule(e.schedule),
		grace.WithDedupWindow(e.dedupWindow),
	)
	e.sweepRunner = job.NewRunner(e.bulkPolicy, job.WithRunnerLogger(e.logger))
	if e.mutator != nil {
		e.executor = job.NewExecutor(e.mutator, e.store,
			job.WithExecutorLogger(e.logger),
			job.WithResultTTL(e.resultTTL),
		)
	}

	e.billingQueue = job.NewQueue(job.QueueBilling, e.webhookPolicy,
		job.WithQueueLogger(e.logger),
		job.WithResultStore(e.store, e.resultTTL),
	)
	e.bulkQueue = job.NewQueue(job.QueueBulkOperations, e.bulkPolicy,
		job.WithQueueLogger(e.logger),
		job.WithResultStore(e.store, e.resultTTL),
	)
	e.billingQueue.Start(e.queueWorkers)
	e.bulkQueue.Start(e.queueWorkers)

	if e.sweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepWorker(ctx)
	}

	e.logger.Info("billing engine started",
		"sweep_interval", e.sweepInterval,
		"queue_workers", e.queueWorkers,
		"result_ttl", e.resultTTL,
	)

	return nil
}

// Stop shuts down the Engine.
func (e *Engine) Stop() error {
	close(e.stopChan)
	e.wg.Wait()

	if e.billingQueue != nil {
		e.billingQueue.Stop()
	}
	if e.bulkQueue != nil {
		e.bulkQueue.Stop()
	}

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// wrapNotifier emits the plugin hook after every confirmed send.
func (e *Engine) wrapNotifier(n grace.Notifier) grace.Notifier {
	return grace.NotifierFunc(func(ctx context.Context, sub *subscription.Subscription, day int) (bool, error) {
		confirmed, err := n.SendGracePeriodNotification(ctx, sub, day)
		if confirmed && err == nil {
			e.plugins.EmitGraceNotificationSent(ctx, sub, day)
		}
		return confirmed, err
	})
}

// ──────────────────────────────────────────────────
// Plan Management
// ──────────────────────────────────────────────────

// CreatePlan creates a new billing plan.
func (e *Engine) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID == (id.PlanID{}) {
		p.ID = id.NewPlanID()
	}
	p.Entity = types.NewEntity()
	if p.Status == "" {
		p.Status = plan.StatusActive
	}

	return e.store.CreatePlan(ctx, p)
}

// GetPlan retrieves a plan by ID.
func (e *Engine) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return e.store.GetPlan(ctx, planID)
}

// GetPlanBySlug retrieves a plan by slug.
func (e *Engine) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	return e.store.GetPlanBySlug(ctx, slug)
}

// ListPlans lists plans.
func (e *Engine) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	return e.store.ListPlans(ctx, opts)
}

// UpdatePlan persists administrative changes to a plan.
func (e *Engine) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	return e.store.UpdatePlan(ctx, p)
}

// ArchivePlan archives a plan so no new subscriptions can match it.
func (e *Engine) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	return e.store.ArchivePlan(ctx, planID)
}

// ──────────────────────────────────────────────────
// Subscription Management
// ──────────────────────────────────────────────────

// CreateSubscription provisions a subscription locally, outside the webhook
// flow. Trial length propagates from the plan when the subscription itself
// carries none.
func (e *Engine) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub.ID == (id.SubscriptionID{}) {
		sub.ID = id.NewSubscriptionID()
	}
	sub.Entity = types.NewEntity()

	if sub.Status == "" {
		sub.Status = subscription.StatusActive
		if sub.TrialEndsAt == nil {
			if p, err := e.store.GetPlan(ctx, sub.PlanID); err == nil && p.TrialDays > 0 {
				t := time.Now().UTC().AddDate(0, 0, p.TrialDays)
				sub.TrialEndsAt = &t
			}
		}
		if sub.TrialEndsAt != nil && sub.TrialEndsAt.After(time.Now()) {
			sub.Status = subscription.StatusTrialing
		}
	}
	if !sub.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidInput, sub.Status)
	}

	if err := e.store.CreateSubscription(ctx, sub); err != nil {
		return err
	}

	if err := e.store.AppendSubscriptionEvent(ctx, event.New(sub.ID, event.TypeCreated, map[string]any{
		"plan_id": sub.PlanID.String(),
		"status":  string(sub.Status),
	})); err != nil {
		return err
	}

	e.plugins.EmitSubscriptionCreated(ctx, sub)
	return nil
}

// GetSubscription retrieves a subscription by ID.
func (e *Engine) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return e.store.GetSubscription(ctx, subID)
}

// GetSubscriptionByProviderSubID retrieves a subscription by its external
// provider id.
func (e *Engine) GetSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	return e.store.GetSubscriptionByProviderSubID(ctx, providerSubID)
}

// ListSubscriptions lists a tenant's subscriptions.
func (e *Engine) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, tenantID, opts)
}

// ListSubscriptionEvents returns the append-only event log for a
// subscription.
func (e *Engine) ListSubscriptionEvents(ctx context.Context, subID id.SubscriptionID, opts event.ListOpts) ([]*event.SubscriptionEvent, error) {
	return e.store.ListSubscriptionEvents(ctx, subID, opts)
}

// ──────────────────────────────────────────────────
// State machine operations
// ──────────────────────────────────────────────────

// transition applies one guarded status change. The target check and the
// write happen against a freshly read row inside the store's serialization
// boundary. Reaching the target state again is a safe no-op.
func (e *Engine) transition(ctx context.Context, subID id.SubscriptionID, to subscription.Status, apply func(s *subscription.Subscription)) (*subscription.Subscription, bool, error) {
	var (
		result   *subscription.Subscription
		rejected *InvalidTransitionError
	)
	changed := false

	err := e.store.MutateSubscription(ctx, subID, func(s *subscription.Subscription) (bool, error) {
		if s.Status == to {
			cp := *s
			result = &cp
			return false, nil
		}
		if !subscription.IsValidTransition(s.Status, to) {
			rejected = &InvalidTransitionError{From: s.Status, To: to}
			return false, nil
		}

		s.Status = to
		if apply != nil {
			apply(s)
		}
		cp := *s
		result = &cp
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if rejected != nil {
		e.logger.Warn("rejected status transition",
			"subscription_id", subID,
			"from", rejected.From,
			"to", rejected.To,
		)
		e.plugins.EmitTransitionRejected(ctx, subID.String(), string(rejected.From), string(rejected.To))
		return nil, false, *rejected
	}
	return result, changed, nil
}

// ActivateSubscription reactivates a subscription, clearing its grace
// boundary. Activating an already active subscription is a no-op.
func (e *Engine) ActivateSubscription(ctx context.Context, subID id.SubscriptionID) error {
	sub, changed, err := e.transition(ctx, subID, subscription.StatusActive, func(s *subscription.Subscription) {
		s.EndsAt = nil
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := e.store.AppendSubscriptionEvent(ctx, event.New(subID, event.TypeUpdated, map[string]any{
		"status": string(subscription.StatusActive),
	})); err != nil {
		return err
	}

	e.plugins.EmitSubscriptionReactivated(ctx, sub)
	return nil
}

// MarkPastDue moves a subscription into dunning. A non-nil endsAt sets the
// grace-period boundary.
func (e *Engine) MarkPastDue(ctx context.Context, subID id.SubscriptionID, endsAt *time.Time) error {
	sub, changed, err := e.transition(ctx, subID, subscription.StatusPastDue, func(s *subscription.Subscription) {
		if endsAt != nil {
			s.EndsAt = endsAt
		}
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := e.store.AppendSubscriptionEvent(ctx, event.New(subID, event.TypeUpdated, map[string]any{
		"status": string(subscription.StatusPastDue),
	})); err != nil {
		return err
	}

	e.plugins.EmitSubscriptionPastDue(ctx, sub)
	return nil
}

// CancelSubscription cancels a subscription, with endsAt as the grace
// boundary after which it expires.
func (e *Engine) CancelSubscription(ctx context.Context, subID id.SubscriptionID, endsAt *time.Time) error {
	sub, changed, err := e.transition(ctx, subID, subscription.StatusCanceled, func(s *subscription.Subscription) {
		if endsAt != nil {
			s.EndsAt = endsAt
		}
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := e.store.AppendSubscriptionEvent(ctx, event.New(subID, event.TypeCanceled, map[string]any{
		"ends_at": formatTimePtr(sub.EndsAt),
	})); err != nil {
		return err
	}

	e.plugins.EmitSubscriptionCanceled(ctx, sub)
	return nil
}

// ExpireSubscription moves a subscription to its terminal state. Expiring
// an already expired subscription is a safe no-op.
func (e *Engine) ExpireSubscription(ctx context.Context, subID id.SubscriptionID) error {
	now := time.Now().UTC()
	sub, changed, err := e.transition(ctx, subID, subscription.StatusExpired, func(s *subscription.Subscription) {
		if s.EndsAt == nil {
			s.EndsAt = &now
		}
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := e.store.AppendSubscriptionEvent(ctx, event.New(subID, event.TypeExpired, map[string]any{
		"ends_at": formatTimePtr(sub.EndsAt),
	})); err != nil {
		return err
	}

	e.plugins.EmitSubscriptionExpired(ctx, sub)
	return nil
}

// ──────────────────────────────────────────────────
// Webhook ingestion
// ──────────────────────────────────────────────────

// ProcessWebhook applies one provider event synchronously. Most callers
// should prefer EnqueueWebhook, which adds the retry envelope.
func (e *Engine) ProcessWebhook(ctx context.Context, env *webhook.Envelope) (*webhook.Outcome, error) {
	if e.processor == nil {
		return nil, ErrStoreNotReady
	}

	out, err := e.processor.Process(ctx, env)
	if err != nil {
		return nil, err
	}

	e.emitWebhookOutcome(ctx, env, out)
	return out, nil
}

// EnqueueWebhook dispatches a provider event onto the billing queue. On
// terminal failure the event lands in the failed-webhook table for operator
// review; it is never reprocessed automatically.
func (e *Engine) EnqueueWebhook(env *webhook.Envelope) (string, error) {
	if e.billingQueue == nil {
		return "", ErrStoreNotReady
	}
	if env == nil || env.ID == "" || env.Type == "" {
		return "", ErrInvalidEnvelope
	}

	jobID := id.NewJobID().String()
	task := &job.Task{
		ID: jobID,
		Fn: func(ctx context.Context) error {
			out, err := e.processor.Process(ctx, env)
			if err != nil {
				return err
			}
			e.emitWebhookOutcome(ctx, env, out)
			return nil
		},
		Done: func(err error) {
			ctx := context.Background()
			if err == nil {
				e.plugins.EmitJobCompleted(ctx, job.QueueBilling, jobID, 1, 0)
				return
			}

			fe := &webhook.FailedEvent{
				EventID:   env.ID,
				Provider:  env.Provider,
				EventType: env.Type,
				Payload:   env.Data,
				Error:     err.Error(),
				FailedAt:  time.Now().UTC(),
			}
			if rerr := e.store.RecordFailure(ctx, fe); rerr != nil {
				e.logger.Error("failed to record poison webhook event",
					"provider", env.Provider,
					"event_id", env.ID,
					"error", rerr,
				)
			}
			e.plugins.EmitWebhookFailed(ctx, env.Provider, env.ID, env.Type, err)
			e.plugins.EmitJobFailed(ctx, job.QueueBilling, jobID, err)
		},
	}

	if err := e.billingQueue.Enqueue(task); err != nil {
		return "", err
	}
	return jobID, nil
}

func (e *Engine) emitWebhookOutcome(ctx context.Context, env *webhook.Envelope, out *webhook.Outcome) {
	switch {
	case out.Duplicate:
		e.plugins.EmitWebhookDuplicate(ctx, env.Provider, env.ID, env.Type)
	case out.Ignored:
		e.plugins.EmitWebhookIgnored(ctx, env.Provider, env.ID, env.Type)
	default:
		e.plugins.EmitWebhookProcessed(ctx, env.Provider, env.ID, env.Type, out.Applied)
		if out.Subscription != nil {
			e.plugins.EmitSubscriptionUpdated(ctx, out.Subscription)
		}
	}
}

// ListFailedWebhookEvents returns poison-message records for operator
// review.
func (e *Engine) ListFailedWebhookEvents(ctx context.Context, provider string, limit int) ([]*webhook.FailedEvent, error) {
	return e.store.ListFailures(ctx, provider, limit)
}

// ──────────────────────────────────────────────────
// Grace period escalation
// ──────────────────────────────────────────────────

// SweepGracePeriods runs the notification and expiration passes once.
func (e *Engine) SweepGracePeriods(ctx context.Context) (*grace.Summary, error) {
	if e.sweeper == nil {
		return nil, ErrStoreNotReady
	}

	sum, err := e.sweeper.Sweep(ctx)
	if err != nil {
		return sum, err
	}

	e.plugins.EmitSweepCompleted(ctx, sum.NotificationsSent, sum.Expired, sum.Failures)
	return sum, nil
}

// sweepWorker triggers the sweep on the configured interval, inside the
// retrying job envelope.
func (e *Engine) sweepWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return

		case <-ticker.C:
			jobID := id.NewJobID().String()
			if err := e.sweepRunner.Run(ctx, jobID, func(c context.Context) error {
				_, err := e.SweepGracePeriods(c)
				return err
			}); err != nil {
				e.logger.Error("scheduled grace sweep failed",
					"job_id", jobID,
					"error", err,
				)
				e.plugins.EmitJobFailed(ctx, job.QueueBilling, jobID, err)
			}
		}
	}
}

// ──────────────────────────────────────────────────
// Bulk operations
// ──────────────────────────────────────────────────

// EnqueueBulkOperation dispatches a bulk mutation onto the bulk_operations
// queue and returns the job id for later result retrieval.
func (e *Engine) EnqueueBulkOperation(p *job.Payload) (string, error) {
	if e.bulkQueue == nil {
		return "", ErrStoreNotReady
	}
	if e.executor == nil {
		return "", fmt.Errorf("%w: no bulk target mutator configured", ErrInvalidInput)
	}
	if p == nil {
		return "", job.ErrInvalidPayload
	}
	if p.JobID == "" {
		p.JobID = id.NewJobID().String()
	}
	jobID := p.JobID

	task := &job.Task{
		ID: jobID,
		Fn: func(ctx context.Context) error {
			res, err := e.executor.Execute(ctx, p)
			if err != nil {
				return err
			}
			e.plugins.EmitJobCompleted(ctx, job.QueueBulkOperations, jobID, res.SuccessfulCount, res.FailedCount)
			return nil
		},
		Done: func(err error) {
			if err != nil {
				e.plugins.EmitJobFailed(context.Background(), job.QueueBulkOperations, jobID, err)
			}
		},
	}

	if err := e.bulkQueue.Enqueue(task); err != nil {
		return "", err
	}
	return jobID, nil
}

// JobResult retrieves a job's success summary.
func (e *Engine) JobResult(ctx context.Context, jobID string) (*job.Result, error) {
	return e.store.GetJobResult(ctx, jobID)
}

// JobFailure retrieves a job's terminal failure record.
func (e *Engine) JobFailure(ctx context.Context, jobID string) (*job.Failure, error) {
	return e.store.GetJobFailure(ctx, jobID)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
