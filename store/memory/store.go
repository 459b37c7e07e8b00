package memory

import (
	"context"
	"sync"
	"time"

	"github.com/slateboard/billing"
	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/job"
	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/webhook"
)

type Store struct {
	mu sync.RWMutex

	// Plan storage
	plans map[string]*plan.Plan

	// Subscription storage
	subscriptions map[string]*subscription.Subscription

	// Append-only subscription event log
	events []event.SubscriptionEvent

	// Webhook dedup ledger, keyed by provider/event id
	processed map[string]*webhook.ProcessedEvent

	// Poison-message records
	failures []*webhook.FailedEvent

	// Job results with TTL
	jobResults    map[string]*job.Result
	resultExpiry  map[string]time.Time
	jobFailures   map[string]*job.Failure
	failureExpiry map[string]time.Time
}

func New() *Store {
	return &Store{
		plans:         make(map[string]*plan.Plan),
		subscriptions: make(map[string]*subscription.Subscription),
		events:        make([]event.SubscriptionEvent, 0),
		processed:     make(map[string]*webhook.ProcessedEvent),
		failures:      make([]*webhook.FailedEvent, 0),
		jobResults:    make(map[string]*job.Result),
		resultExpiry:  make(map[string]time.Time),
		jobFailures:   make(map[string]*job.Failure),
		failureExpiry: make(map[string]time.Time),
	}
}

// Plan Store implementation
func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return billing.ErrAlreadyExists
	}
	s.plans[p.ID.String()] = p
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		return p, nil
	}
	return nil, billing.ErrPlanNotFound
}

func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, billing.ErrPlanNotFound
}

func (s *Store) GetPlanByProviderPriceID(_ context.Context, priceID string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.ProviderPriceID == priceID {
			return p, nil
		}
	}
	return nil, billing.ErrPlanNotFound
}

func (s *Store) ListPlans(_ context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0)
	for _, p := range s.plans {
		if opts.Status == "" || p.Status == opts.Status {
			result = append(result, p)
		}
	}

	// Apply limit/offset
	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) UpdatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; !exists {
		return billing.ErrPlanNotFound
	}
	s.plans[p.ID.String()] = p
	return nil
}

func (s *Store) ArchivePlan(_ context.Context, planID id.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, exists := s.plans[planID.String()]; exists {
		p.Status = plan.StatusArchived
		return nil
	}
	return billing.ErrPlanNotFound
}

// Subscription Store implementation
func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return billing.ErrAlreadyExists
	}
	for _, existing := range s.subscriptions {
		if existing.ProviderSubID != "" && existing.ProviderSubID == sub.ProviderSubID {
			return billing.ErrAlreadyExists
		}
	}
	s.subscriptions[sub.ID.String()] = sub
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (s *Store) GetSubscriptionByProviderSubID(_ context.Context, providerSubID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.ProviderSubID == providerSubID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (s *Store) ListSubscriptions(_ context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.TenantID == tenantID {
			if opts.Status == "" || sub.Status == opts.Status {
				cp := *sub
				result = append(result, &cp)
			}
		}
	}
	return result, nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; !exists {
		return billing.ErrSubscriptionNotFound
	}
	s.subscriptions[sub.ID.String()] = sub
	return nil
}

// MutateSubscription applies fn to the live row under the store's write
// lock, which is this driver's serialization boundary for concurrent
// webhook workers.
func (s *Store) MutateSubscription(_ context.Context, subID id.SubscriptionID, fn subscription.MutateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}

	changed, err := fn(sub)
	if err != nil {
		return err
	}
	if changed {
		sub.Touch()
	}
	return nil
}

func (s *Store) ListInGraceWindow(_ context.Context, now, horizon time.Time, limit int) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if !sub.InGracePeriod(now) || sub.EndsAt.After(horizon) {
			continue
		}
		cp := *sub
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListExpiryCandidates(_ context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.Status == subscription.StatusExpired || sub.EndsAt == nil || sub.EndsAt.After(now) {
			continue
		}
		cp := *sub
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Subscription event log implementation
func (s *Store) AppendSubscriptionEvent(_ context.Context, e *event.SubscriptionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *Store) ListSubscriptionEvents(_ context.Context, subID id.SubscriptionID, opts event.ListOpts) ([]*event.SubscriptionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.SubscriptionEvent, 0)
	for i := range s.events {
		e := &s.events[i]
		if e.SubscriptionID != subID {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.CreatedAt.Before(opts.Since) {
			continue
		}
		result = append(result, e)
	}

	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) HasGraceNotification(_ context.Context, subID id.SubscriptionID, day int, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.events {
		e := &s.events[i]
		if e.SubscriptionID != subID || e.Type != event.TypeGraceNotification {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		if payloadDay(e.Payload) == day {
			return true, nil
		}
	}
	return false, nil
}

// payloadDay tolerates both the in-process int and the float64 a JSON round
// trip produces.
func payloadDay(payload map[string]any) int {
	switch v := payload["day"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return -1
}

// Webhook dedup ledger implementation
func (s *Store) WasProcessed(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[provider+"/"+eventID]
	return ok, nil
}

func (s *Store) MarkProcessed(_ context.Context, pe *webhook.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pe.Provider + "/" + pe.EventID
	if _, exists := s.processed[key]; exists {
		// Second writer in an insert race: no-op, matching the unique
		// constraint behavior of the SQL drivers.
		return nil
	}
	s.processed[key] = pe
	return nil
}

func (s *Store) RecordFailure(_ context.Context, fe *webhook.FailedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = append(s.failures, fe)
	return nil
}

func (s *Store) ListFailures(_ context.Context, provider string, limit int) ([]*webhook.FailedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*webhook.FailedEvent, 0)
	for _, fe := range s.failures {
		if provider != "" && fe.Provider != provider {
			continue
		}
		result = append(result, fe)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Job result implementation
func (s *Store) PutJobResult(_ context.Context, r *job.Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobResults[r.JobID] = r
	s.resultExpiry[r.JobID] = time.Now().Add(ttl)
	return nil
}

func (s *Store) GetJobResult(_ context.Context, jobID string) (*job.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.resultExpiry[jobID]; ok {
		if time.Now().Before(expiry) {
			if r, ok := s.jobResults[jobID]; ok {
				return r, nil
			}
		}
		delete(s.jobResults, jobID)
		delete(s.resultExpiry, jobID)
	}
	return nil, job.ErrResultNotFound
}

func (s *Store) PutJobFailure(_ context.Context, f *job.Failure, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobFailures[f.JobID] = f
	s.failureExpiry[f.JobID] = time.Now().Add(ttl)
	return nil
}

func (s *Store) GetJobFailure(_ context.Context, jobID string) (*job.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.failureExpiry[jobID]; ok {
		if time.Now().Before(expiry) {
			if f, ok := s.jobFailures[jobID]; ok {
				return f, nil
			}
		}
		delete(s.jobFailures, jobID)
		delete(s.failureExpiry, jobID)
	}
	return nil, job.ErrResultNotFound
}

// Store management
func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	return nil // Always available
}

func (s *Store) Close() error {
	return nil // Nothing to close
}
