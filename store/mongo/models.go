package mongo

import (
	"time"

	"github.com/xraph/grove"

	"github.com/slateboard/billing/event"
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/job"
	"github.com/slateboard/billing/plan"
	"github.com/slateboard/billing/subscription"
	"github.com/slateboard/billing/types"
	"github.com/slateboard/billing/webhook"
)

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:billing_plans"`

	ID              string            `grove:"id,pk"             bson:"_id"`
	Name            string            `grove:"name"              bson:"name"`
	Slug            string            `grove:"slug"              bson:"slug"`
	Description     string            `grove:"description"       bson:"description"`
	Status          string            `grove:"status"            bson:"status"`
	PriceCents      int64             `grove:"price_cents"       bson:"price_cents"`
	PriceCurrency   string            `grove:"price_currency"    bson:"price_currency"`
	BillingPeriod   string            `grove:"billing_period"    bson:"billing_period"`
	TrialDays       int               `grove:"trial_days"        bson:"trial_days"`
	ProviderPriceID string            `grove:"provider_price_id" bson:"provider_price_id"`
	Metadata        map[string]string `grove:"metadata"          bson:"metadata,omitempty"`
	CreatedAt       time.Time         `grove:"created_at"        bson:"created_at"`
	UpdatedAt       time.Time         `grove:"updated_at"        bson:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:              p.ID.String(),
		Name:            p.Name,
		Slug:            p.Slug,
		Description:     p.Description,
		Status:          string(p.Status),
		PriceCents:      p.Price.Amount,
		PriceCurrency:   p.Price.Currency,
		BillingPeriod:   string(p.BillingPeriod),
		TrialDays:       p.TrialDays,
		ProviderPriceID: p.ProviderPriceID,
		Metadata:        p.Metadata,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}

	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              planID,
		Name:            m.Name,
		Slug:            m.Slug,
		Description:     m.Description,
		Status:          plan.Status(m.Status),
		Price:           types.Money{Amount: m.PriceCents, Currency: m.PriceCurrency},
		BillingPeriod:   plan.Period(m.BillingPeriod),
		TrialDays:       m.TrialDays,
		ProviderPriceID: m.ProviderPriceID,
		Metadata:        m.Metadata,
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:billing_subscriptions"`

	ID                 string            `grove:"id,pk"                bson:"_id"`
	TenantID           string            `grove:"tenant_id"            bson:"tenant_id"`
	PlanID             string            `grove:"plan_id"              bson:"plan_id"`
	Status             string            `grove:"status"               bson:"status"`
	ProviderSubID      string            `grove:"provider_sub_id"      bson:"provider_sub_id"`
	ProviderCustomerID string            `grove:"provider_customer_id" bson:"provider_customer_id"`
	ProviderName       string            `grove:"provider_name"        bson:"provider_name"`
	TrialEndsAt        *time.Time        `grove:"trial_ends_at"        bson:"trial_ends_at,omitempty"`
	EndsAt             *time.Time        `grove:"ends_at"              bson:"ends_at,omitempty"`
	Metadata           map[string]string `grove:"metadata"             bson:"metadata,omitempty"`
	CreatedAt          time.Time         `grove:"created_at"           bson:"created_at"`
	UpdatedAt          time.Time         `grove:"updated_at"           bson:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:                 s.ID.String(),
		TenantID:           s.TenantID,
		PlanID:             s.PlanID.String(),
		Status:             string(s.Status),
		ProviderSubID:      s.ProviderSubID,
		ProviderCustomerID: s.ProviderCustomerID,
		ProviderName:       s.ProviderName,
		TrialEndsAt:        s.TrialEndsAt,
		EndsAt:             s.EndsAt,
		Metadata:           s.Metadata,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 subID,
		TenantID:           m.TenantID,
		PlanID:             planID,
		Status:             subscription.Status(m.Status),
		ProviderSubID:      m.ProviderSubID,
		ProviderCustomerID: m.ProviderCustomerID,
		ProviderName:       m.ProviderName,
		TrialEndsAt:        m.TrialEndsAt,
		EndsAt:             m.EndsAt,
		Metadata:           m.Metadata,
	}, nil
}

// ==================== Subscription Event models ====================

type subscriptionEventModel struct {
	grove.BaseModel `grove:"table:billing_subscription_events"`

	ID             string         `grove:"id,pk"           bson:"_id"`
	SubscriptionID string         `grove:"subscription_id" bson:"subscription_id"`
	Type           string         `grove:"type"            bson:"type"`
	Payload        map[string]any `grove:"payload"         bson:"payload,omitempty"`
	CreatedAt      time.Time      `grove:"created_at"      bson:"created_at"`
}

func toSubscriptionEventModel(e *event.SubscriptionEvent) *subscriptionEventModel {
	return &subscriptionEventModel{
		ID:             e.ID.String(),
		SubscriptionID: e.SubscriptionID.String(),
		Type:           string(e.Type),
		Payload:        e.Payload,
		CreatedAt:      e.CreatedAt,
	}
}

func fromSubscriptionEventModel(m *subscriptionEventModel) (*event.SubscriptionEvent, error) {
	evtID, err := id.ParseSubscriptionEventID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &event.SubscriptionEvent{
		ID:             evtID,
		SubscriptionID: subID,
		Type:           event.Type(m.Type),
		Payload:        m.Payload,
		CreatedAt:      m.CreatedAt,
	}, nil
}

// ==================== Webhook models ====================

type processedEventModel struct {
	grove.BaseModel `grove:"table:billing_processed_webhook_events"`

	// The dedup key is the compound (provider, event_id), stored as the
	// document id.
	ID          string    `grove:"id,pk"        bson:"_id"`
	Provider    string    `grove:"provider"     bson:"provider"`
	EventID     string    `grove:"event_id"     bson:"event_id"`
	ProcessedAt time.Time `grove:"processed_at" bson:"processed_at"`
}

func processedEventKey(provider, eventID string) string {
	return provider + "/" + eventID
}

type failedEventModel struct {
	grove.BaseModel `grove:"table:billing_failed_webhook_events"`

	ID        string    `grove:"id,pk"      bson:"_id"`
	Provider  string    `grove:"provider"   bson:"provider"`
	EventID   string    `grove:"event_id"   bson:"event_id"`
	EventType string    `grove:"event_type" bson:"event_type"`
	Payload   []byte    `grove:"payload"    bson:"payload,omitempty"`
	Error     string    `grove:"error"      bson:"error"`
	FailedAt  time.Time `grove:"failed_at"  bson:"failed_at"`
}

func fromFailedEventModel(m *failedEventModel) *webhook.FailedEvent {
	return &webhook.FailedEvent{
		EventID:   m.EventID,
		Provider:  m.Provider,
		EventType: m.EventType,
		Payload:   m.Payload,
		Error:     m.Error,
		FailedAt:  m.FailedAt,
	}
}

// ==================== Job models ====================

type jobDetailModel struct {
	TargetID string `bson:"target_id"`
	Error    string `bson:"error"`
}

type jobResultModel struct {
	grove.BaseModel `grove:"table:billing_job_results"`

	JobID           string           `grove:"job_id,pk"        bson:"_id"`
	Queue           string           `grove:"queue"            bson:"queue"`
	SuccessfulCount int              `grove:"successful_count" bson:"successful_count"`
	FailedCount     int              `grove:"failed_count"     bson:"failed_count"`
	Details         []jobDetailModel `grove:"details"          bson:"details,omitempty"`
	CompletedAt     time.Time        `grove:"completed_at"     bson:"completed_at"`
	ExpiresAt       time.Time        `grove:"expires_at"       bson:"expires_at"`
}

func toJobResultModel(r *job.Result, expiresAt time.Time) *jobResultModel {
	details := make([]jobDetailModel, len(r.Details))
	for i, d := range r.Details {
		details[i] = jobDetailModel{TargetID: d.TargetID, Error: d.Error}
	}

	return &jobResultModel{
		JobID:           r.JobID,
		Queue:           r.Queue,
		SuccessfulCount: r.SuccessfulCount,
		FailedCount:     r.FailedCount,
		Details:         details,
		CompletedAt:     r.CompletedAt,
		ExpiresAt:       expiresAt,
	}
}

func fromJobResultModel(m *jobResultModel) *job.Result {
	details := make([]job.Detail, len(m.Details))
	for i, d := range m.Details {
		details[i] = job.Detail{TargetID: d.TargetID, Error: d.Error}
	}

	return &job.Result{
		JobID:           m.JobID,
		Queue:           m.Queue,
		SuccessfulCount: m.SuccessfulCount,
		FailedCount:     m.FailedCount,
		Details:         details,
		CompletedAt:     m.CompletedAt,
	}
}

type jobFailureModel struct {
	grove.BaseModel `grove:"table:billing_job_failures"`

	JobID     string    `grove:"job_id,pk"  bson:"_id"`
	Queue     string    `grove:"queue"      bson:"queue"`
	Error     string    `grove:"error"      bson:"error"`
	Attempts  int       `grove:"attempts"   bson:"attempts"`
	FailedAt  time.Time `grove:"failed_at"  bson:"failed_at"`
	ExpiresAt time.Time `grove:"expires_at" bson:"expires_at"`
}

func fromJobFailureModel(m *jobFailureModel) *job.Failure {
	return &job.Failure{
		JobID:    m.JobID,
		Queue:    m.Queue,
		Error:    m.Error,
		Attempts: m.Attempts,
		FailedAt: m.FailedAt,
	}
}
