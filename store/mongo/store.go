package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	billing "github.com/slateboard/billing"
	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/job"
	"github.com/slateboard/billing/plan"
	billingstore "github.com/slateboard/billing/store"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/webhook"
)

// Collection name constants.
const (
	colPlans           = "billing_plans"
	colSubscriptions   = "billing_subscriptions"
	colEvents          = "billing_subscription_events"
	colProcessedEvents = "billing_processed_webhook_events"
	colFailedEvents    = "billing_failed_webhook_events"
	colJobResults      = "billing_job_results"
	colJobFailures     = "billing_job_failures"
)

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// mutateRetries bounds the optimistic concurrency loop in
// MutateSubscription.
const mutateRetries = 3

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all billing collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("billing/mongo: migrate %s indexes: %w", col, err)
		}
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
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: create plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": planID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, billing.ErrPlanNotFound
		}
		return nil, fmt.Errorf("billing/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"slug": slug}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, billing.ErrPlanNotFound
		}
		return nil, fmt.Errorf("billing/mongo: get plan by slug: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) GetPlanByProviderPriceID(ctx context.Context, priceID string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"provider_price_id": priceID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, billing.ErrPlanNotFound
		}
		return nil, fmt.Errorf("billing/mongo: get plan by provider price: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list plans: %w", err)
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

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: update plan: %w", err)
	}
	if res.MatchedCount() == 0 {
		return billing.ErrPlanNotFound
	}
	return nil
}

func (s *Store) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	t := now()
	res, err := s.mdb.NewUpdate((*planModel)(nil)).
		Filter(bson.M{"_id": planID.String()}).
		Set("status", string(plan.StatusArchived)).
		Set("updated_at", t).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: archive plan: %w", err)
	}
	if res.MatchedCount() == 0 {
		return billing.ErrPlanNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("billing/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) GetSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"provider_sub_id": providerSubID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("billing/mongo: get subscription by provider id: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{"tenant_id": tenantID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list subscriptions: %w", err)
	}
	return subscriptionsFromModels(models)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.UpdatedAt = now()

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: update subscription: %w", err)
	}
	if res.MatchedCount() == 0 {
		return billing.ErrSubscriptionNotFound
	}
	return nil
}

// MutateSubscription applies fn inside an optimistic concurrency loop. The
// update filter carries the status the document was read at; a concurrent
// status change makes the write match nothing and the cycle restarts.
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
		res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
			Filter(bson.M{"_id": subID.String(), "status": string(priorStatus)}).
			Set("status", string(sub.Status)).
			Set("trial_ends_at", sub.TrialEndsAt).
			Set("ends_at", sub.EndsAt).
			Set("updated_at", t).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("billing/mongo: mutate subscription: %w", err)
		}
		if res.MatchedCount() > 0 {
			return nil
		}
		// Lost the race, re-read and retry.
	}
	return fmt.Errorf("%w: subscription %s mutation contended", billing.ErrTransactionFailed, subID)
}

func (s *Store) ListInGraceWindow(ctx context.Context, now, horizon time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":  bson.M{"$in": []string{string(subscription.StatusPastDue), string(subscription.StatusCanceled)}},
			"ends_at": bson.M{"$gt": now, "$lte": horizon},
		}).
		Sort(bson.D{{Key: "ends_at", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list grace window: %w", err)
	}
	return subscriptionsFromModels(models)
}

func (s *Store) ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":  bson.M{"$ne": string(subscription.StatusExpired)},
			"ends_at": bson.M{"$lte": now},
		}).
		Sort(bson.D{{Key: "ends_at", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list expiry candidates: %w", err)
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
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: append subscription event: %w", err)
	}
	return nil
}

func (s *Store) ListSubscriptionEvents(ctx context.Context, subID id.SubscriptionID, opts event.ListOpts) ([]*event.SubscriptionEvent, error) {
	var models []subscriptionEventModel

	filter := bson.M{"subscription_id": subID.String()}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}
	if !opts.Since.IsZero() {
		filter["created_at"] = bson.M{"$gte": opts.Since}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list subscription events: %w", err)
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
	count, err := s.mdb.Collection(colEvents).CountDocuments(ctx, bson.M{
		"subscription_id": subID.String(),
		"type":            string(event.TypeGraceNotification),
		"created_at":      bson.M{"$gte": since},
		"payload.day":     day,
	})
	if err != nil {
		return false, fmt.Errorf("billing/mongo: check grace notification: %w", err)
	}
	return count > 0, nil
}

// ==================== Webhook Store ====================

func (s *Store) WasProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var m processedEventModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": processedEventKey(provider, eventID)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return false, nil
		}
		return false, fmt.Errorf("billing/mongo: check processed: %w", err)
	}
	return true, nil
}

func (s *Store) MarkProcessed(ctx context.Context, pe *webhook.ProcessedEvent) error {
	m := &processedEventModel{
		ID:          processedEventKey(pe.Provider, pe.EventID),
		Provider:    pe.Provider,
		EventID:     pe.EventID,
		ProcessedAt: pe.ProcessedAt,
	}
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		// Concurrent delivery of the same event races here; the ledger
		// keeps the first document.
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("billing/mongo: mark processed: %w", err)
	}
	return nil
}

func (s *Store) RecordFailure(ctx context.Context, fe *webhook.FailedEvent) error {
	m := &failedEventModel{
		ID:        processedEventKey(fe.Provider, fe.EventID),
		Provider:  fe.Provider,
		EventID:   fe.EventID,
		EventType: fe.EventType,
		Payload:   fe.Payload,
		Error:     fe.Error,
		FailedAt:  fe.FailedAt,
	}

	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		SetUpdate(bson.M{"$set": bson.M{
			"_id":        m.ID,
			"provider":   m.Provider,
			"event_id":   m.EventID,
			"event_type": m.EventType,
			"payload":    m.Payload,
			"error":      m.Error,
			"failed_at":  m.FailedAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: record failure: %w", err)
	}
	return nil
}

func (s *Store) ListFailures(ctx context.Context, provider string, limit int) ([]*webhook.FailedEvent, error) {
	var models []failedEventModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{"provider": provider}).
		Sort(bson.D{{Key: "failed_at", Value: -1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("billing/mongo: list failures: %w", err)
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

	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.JobID}).
		SetUpdate(bson.M{"$set": bson.M{
			"_id":              m.JobID,
			"queue":            m.Queue,
			"successful_count": m.SuccessfulCount,
			"failed_count":     m.FailedCount,
			"details":          m.Details,
			"completed_at":     m.CompletedAt,
			"expires_at":       m.ExpiresAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: put job result: %w", err)
	}
	return nil
}

func (s *Store) GetJobResult(ctx context.Context, jobID string) (*job.Result, error) {
	var m jobResultModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"_id":        jobID,
			"expires_at": bson.M{"$gt": now()},
		}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, job.ErrResultNotFound
		}
		return nil, fmt.Errorf("billing/mongo: get job result: %w", err)
	}
	return fromJobResultModel(&m), nil
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

	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.JobID}).
		SetUpdate(bson.M{"$set": bson.M{
			"_id":        m.JobID,
			"queue":      m.Queue,
			"error":      m.Error,
			"attempts":   m.Attempts,
			"failed_at":  m.FailedAt,
			"expires_at": m.ExpiresAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("billing/mongo: put job failure: %w", err)
	}
	return nil
}

func (s *Store) GetJobFailure(ctx context.Context, jobID string) (*job.Failure, error) {
	var m jobFailureModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"_id":        jobID,
			"expires_at": bson.M{"$gt": now()},
		}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, job.ErrResultNotFound
		}
		return nil, fmt.Errorf("billing/mongo: get job failure: %w", err)
	}
	return fromJobFailureModel(&m), nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all billing collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colPlans: {
			{
				Keys:    bson.D{{Key: "slug", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "provider_price_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colSubscriptions: {
			{
				Keys:    bson.D{{Key: "provider_sub_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "ends_at", Value: 1}}},
			{Keys: bson.D{{Key: "plan_id", Value: 1}}},
		},
		colEvents: {
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "type", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colProcessedEvents: {
			{
				Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "event_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colFailedEvents: {
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "failed_at", Value: -1}}},
		},
		colJobResults: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
		colJobFailures: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
	}
}
