package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the pg migration executor
	"github.com/xraph/grove/migrate"

	billing "github.com/slateboard/billing"
	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/job"
	"github.com/slateboard/billing/plan"
	billingstore "github.com/slateboard/billing/store"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/webhook"
)

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// mutateRetries bounds the optimistic concurrency loop in
// MutateSubscription.
const mutateRetries = 3

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("billing/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("billing/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	_, err := s.pg.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", planID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, billing.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("slug = $1", slug).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, billing.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) GetPlanByProviderPriceID(ctx context.Context, priceID string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("provider_price_id = $1", priceID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, billing.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	m.UpdatedAt = now()
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return billing.ErrPlanNotFound
	}
	return nil
}

func (s *Store) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	t := now()
	res, err := s.pg.NewUpdate((*planModel)(nil)).
		Set("status = $1", string(plan.StatusArchived)).
		Set("updated_at = $2", t).
		Where("id = $3", planID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return billing.ErrPlanNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.pg.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("provider_sub_id = $1", providerSubID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.pg.NewSelect(&models).
		Where("tenant_id = $1", tenantID)

	argIdx := 1
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.UpdatedAt = now()
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return billing.ErrSubscriptionNotFound
	}
	return nil
}

// MutateSubscription applies fn inside an optimistic concurrency loop. The
// write is guarded on the status the row was read at; a concurrent status
// change invalidates the write and the read-mutate-write cycle restarts.
func (s *Store) MutateSubscription(ctx context.Context, subID id.SubscriptionID, fn subscription.MutateFunc) error {
	for attempt := 0; attempt < mutateRetries; attempt++ {
		sub, err := s.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		priorStatus := sub.Status

		changed, err := fn(sub)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		t := now()
		res, err := s.pg.NewUpdate((*subscriptionModel)(nil)).
			Set("status = $1", string(sub.Status)).
			Set("trial_ends_at = $2", sub.TrialEndsAt).
			Set("ends_at = $3", sub.EndsAt).
			Set("updated_at = $4", t).
			Where("id = $5", subID.String()).
			Where("status = $6", string(priorStatus)).
			Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows > 0 {
			return nil
		}
		// Lost the race, re-read and retry.
	}
	return fmt.Errorf("%w: subscription %s mutation contended", billing.ErrTransactionFailed, subID)
}

func (s *Store) ListInGraceWindow(ctx context.Context, now, horizon time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.pg.NewSelect(&models).
		Where("status IN ($1, $2)", string(subscription.StatusPastDue), string(subscription.StatusCanceled)).
		Where("ends_at IS NOT NULL").
		Where("ends_at > $3", now).
		Where("ends_at <= $4", horizon).
		OrderExpr("ends_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return subscriptionsFromModels(models)
}

func (s *Store) ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.pg.NewSelect(&models).
		Where("status != $1", string(subscription.StatusExpired)).
		Where("ends_at IS NOT NULL").
		Where("ends_at <= $2", now).
		OrderExpr("ends_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return subscriptionsFromModels(models)
}

func subscriptionsFromModels(models []subscriptionModel) ([]*subscription.Subscription, error) {
	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

// ==================== Subscription Event Store ====================

func (s *Store) AppendSubscriptionEvent(ctx context.Context, e *event.SubscriptionEvent) error {
	m := toSubscriptionEventModel(e)
	_, err := s.pg.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) ListSubscriptionEvents(ctx context.Context, subID id.SubscriptionID, opts event.ListOpts) ([]*event.SubscriptionEvent, error) {
	var models []subscriptionEventModel
	q := s.pg.NewSelect(&models).
		Where("subscription_id = $1", subID.String())

	argIdx := 1
	if opts.Type != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("type = $%d", argIdx), string(opts.Type))
	}
	if !opts.Since.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at >= $%d", argIdx), opts.Since)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*event.SubscriptionEvent, len(models))
	for i := range models {
		evt, err := fromSubscriptionEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = evt
	}
	return result, nil
}

func (s *Store) HasGraceNotification(ctx context.Context, subID id.SubscriptionID, day int, since time.Time) (bool, error) {
	var count int64
	err := s.pg.NewRaw(`
		SELECT COUNT(*) FROM billing_subscription_events
		WHERE subscription_id = $1 AND type = $2 AND created_at >= $3
		  AND (payload->>'day')::int = $4
	`, subID.String(), string(event.TypeGraceNotification), since, day).Scan(ctx, &count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ==================== Webhook Store ====================

func (s *Store) WasProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	m := new(processedEventModel)
	err := s.pg.NewSelect(m).
		Where("provider = $1", provider).
		Where("event_id = $2", eventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) MarkProcessed(ctx context.Context, pe *webhook.ProcessedEvent) error {
	m := &processedEventModel{
		Provider:    pe.Provider,
		EventID:     pe.EventID,
		ProcessedAt: pe.ProcessedAt,
	}
	// Concurrent delivery of the same event races here; the ledger keeps
	// the first row.
	_, err := s.pg.NewInsert(m).
		OnConflict("(provider, event_id) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) RecordFailure(ctx context.Context, fe *webhook.FailedEvent) error {
	m := &failedEventModel{
		Provider:  fe.Provider,
		EventID:   fe.EventID,
		EventType: fe.EventType,
		Payload:   fe.Payload,
		Error:     fe.Error,
		FailedAt:  fe.FailedAt,
	}
	_, err := s.pg.NewInsert(m).
		OnConflict("(provider, event_id) DO UPDATE").
		Set("event_type = EXCLUDED.event_type").
		Set("payload = EXCLUDED.payload").
		Set("error = EXCLUDED.error").
		Set("failed_at = EXCLUDED.failed_at").
		Exec(ctx)
	return err
}

func (s *Store) ListFailures(ctx context.Context, provider string, limit int) ([]*webhook.FailedEvent, error) {
	var models []failedEventModel
	q := s.pg.NewSelect(&models).
		Where("provider = $1", provider).
		OrderExpr("failed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*webhook.FailedEvent, len(models))
	for i := range models {
		result[i] = fromFailedEventModel(&models[i])
	}
	return result, nil
}

// ==================== Job Result Store ====================

func (s *Store) PutJobResult(ctx context.Context, r *job.Result, ttl time.Duration) error {
	m := toJobResultModel(r, now().Add(ttl))
	_, err := s.pg.NewInsert(m).
		OnConflict("(job_id) DO UPDATE").
		Set("queue = EXCLUDED.queue").
		Set("successful_count = EXCLUDED.successful_count").
		Set("failed_count = EXCLUDED.failed_count").
		Set("details = EXCLUDED.details").
		Set("completed_at = EXCLUDED.completed_at").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	return err
}

func (s *Store) GetJobResult(ctx context.Context, jobID string) (*job.Result, error) {
	m := new(jobResultModel)
	err := s.pg.NewSelect(m).
		Where("job_id = $1", jobID).
		Where("expires_at > $2", now()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, job.ErrResultNotFound
		}
		return nil, err
	}
	return fromJobResultModel(m), nil
}

func (s *Store) PutJobFailure(ctx context.Context, f *job.Failure, ttl time.Duration) error {
	m := &jobFailureModel{
		JobID:     f.JobID,
		Queue:     f.Queue,
		Error:     f.Error,
		Attempts:  f.Attempts,
		FailedAt:  f.FailedAt,
		ExpiresAt: now().Add(ttl),
	}
	_, err := s.pg.NewInsert(m).
		OnConflict("(job_id) DO UPDATE").
		Set("queue = EXCLUDED.queue").
		Set("error = EXCLUDED.error").
		Set("attempts = EXCLUDED.attempts").
		Set("failed_at = EXCLUDED.failed_at").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	return err
}

func (s *Store) GetJobFailure(ctx context.Context, jobID string) (*job.Failure, error) {
	m := new(jobFailureModel)
	err := s.pg.NewSelect(m).
		Where("job_id = $1", jobID).
		Where("expires_at > $2", now()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, job.ErrResultNotFound
		}
		return nil, err
	}
	return fromJobFailureModel(m), nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
