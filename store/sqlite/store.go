package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the sqlite migration executor
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

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("billing/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("billing/sqlite: migration failed: %w", err)
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
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", planID.String()).
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
	err := s.sdb.NewSelect(m).
		Where("slug = ?", slug).
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
	err := s.sdb.NewSelect(m).
		Where("provider_price_id = ?", priceID).
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
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
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
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
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
	res, err := s.sdb.NewUpdate((*planModel)(nil)).
		Set("status = ?", string(plan.StatusArchived)).
		Set("updated_at = ?", t).
		Where("id = ?", planID.String()).
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
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
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
	err := s.sdb.NewSelect(m).
		Where("provider_sub_id = ?", providerSubID).
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
	q := s.sdb.NewSelect(&models).
		Where("tenant_id = ?", tenantID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
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
	return subscriptionsFromModels(models)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
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

// MutateSubscription applies fn inside an optimistic concurrency loop
// guarded on the status the row was read at.
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
		res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
			Set("status = ?", string(sub.Status)).
			Set("trial_ends_at = ?", sub.TrialEndsAt).
			Set("ends_at = ?", sub.EndsAt).
			Set("updated_at = ?", t).
			Where("id = ?", subID.String()).
			Where("status = ?", string(priorStatus)).
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
	q := s.sdb.NewSelect(&models).
		Where("status IN (?, ?)", string(subscription.StatusPastDue), string(subscription.StatusCanceled)).
		Where("ends_at IS NOT NULL").
		Where("ends_at > ?", now).
		Where("ends_at <= ?", horizon).
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
	q := s.sdb.NewSelect(&models).
		Where("status != ?", string(subscription.StatusExpired)).
		Where("ends_at IS NOT NULL").
		Where("ends_at <= ?", now).
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
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) ListSubscriptionEvents(ctx context.Context, subID id.SubscriptionID, opts event.ListOpts) ([]*event.SubscriptionEvent, error) {
	var models []subscriptionEventModel
	q := s.sdb.NewSelect(&models).
		Where("subscription_id = ?", subID.String())

	if opts.Type != "" {
		q = q.Where("type = ?", string(opts.Type))
	}
	if !opts.Since.IsZero() {
		q = q.Where("created_at >= ?", opts.Since)
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
	err := s.sdb.NewRaw(`
		SELECT COUNT(*) FROM billing_subscription_events
		WHERE subscription_id = ? AND type = ? AND created_at >= ?
		  AND CAST(json_extract(payload, '$.day') AS INTEGER) = ?
	`, subID.String(), string(event.TypeGraceNotification), since, day).Scan(ctx, &count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ==================== Webhook Store ====================

func (s *Store) WasProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	m := new(processedEventModel)
	err := s.sdb.NewSelect(m).
		Where("provider = ?", provider).
		Where("event_id = ?", eventID).
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
	_, err := s.sdb.NewInsert(m).
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
	_, err := s.sdb.NewInsert(m).
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
	q := s.sdb.NewSelect(&models).
		Where("provider = ?", provider).
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
	_, err := s.sdb.NewInsert(m).
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
	err := s.sdb.NewSelect(m).
		Where("job_id = ?", jobID).
		Where("expires_at > ?", now()).
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
	_, err := s.sdb.NewInsert(m).
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
	err := s.sdb.NewSelect(m).
		Where("job_id = ?", jobID).
		Where("expires_at > ?", now()).
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
