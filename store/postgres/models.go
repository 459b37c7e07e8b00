package postgres

import (
	"encoding/json"
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

	ID              string          `grove:"id,pk"`
	Name            string          `grove:"name"`
	Slug            string          `grove:"slug"`
	Description     string          `grove:"description"`
	Status          string          `grove:"status"`
	PriceCents      int64           `grove:"price_cents"`
	PriceCurrency   string          `grove:"price_currency"`
	BillingPeriod   string          `grove:"billing_period"`
	TrialDays       int             `grove:"trial_days"`
	ProviderPriceID string          `grove:"provider_price_id"`
	Metadata        json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt       time.Time       `grove:"created_at"`
	UpdatedAt       time.Time       `grove:"updated_at"`
}

// marshalMetadata serializes a metadata map for storage. The driver cannot
// bind a raw map, so the model carries JSON text like the event payload does.
func marshalMetadata(m map[string]string) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage("{}")
	}
	b, _ := json.Marshal(m) //nolint:errcheck // best-effort
	return b
}

func unmarshalMetadata(b json.RawMessage) map[string]string {
	if len(b) == 0 || string(b) == "null" || string(b) == "{}" {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal(b, &m) //nolint:errcheck // best-effort
	return m
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
		Metadata:        marshalMetadata(p.Metadata),
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
		Metadata:        unmarshalMetadata(m.Metadata),
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:billing_subscriptions"`

	ID                 string          `grove:"id,pk"`
	TenantID           string          `grove:"tenant_id"`
	PlanID             string          `grove:"plan_id"`
	Status             string          `grove:"status"`
	ProviderSubID      string          `grove:"provider_sub_id"`
	ProviderCustomerID string          `grove:"provider_customer_id"`
	ProviderName       string          `grove:"provider_name"`
	TrialEndsAt        *time.Time      `grove:"trial_ends_at"`
	EndsAt             *time.Time      `grove:"ends_at"`
	Metadata           json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt          time.Time       `grove:"created_at"`
	UpdatedAt          time.Time       `grove:"updated_at"`
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
		Metadata:           marshalMetadata(s.Metadata),
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
		Metadata:           unmarshalMetadata(m.Metadata),
	}, nil
}

// ==================== Subscription Event models ====================

type subscriptionEventModel struct {
	grove.BaseModel `grove:"table:billing_subscription_events"`

	ID             string          `grove:"id,pk"`
	SubscriptionID string          `grove:"subscription_id"`
	Type           string          `grove:"type"`
	Payload        json.RawMessage `grove:"payload,type:jsonb"`
	CreatedAt      time.Time       `grove:"created_at"`
}

func toSubscriptionEventModel(e *event.SubscriptionEvent) *subscriptionEventModel {
	payload, _ := json.Marshal(e.Payload) //nolint:errcheck // best-effort

	return &subscriptionEventModel{
		ID:             e.ID.String(),
		SubscriptionID: e.SubscriptionID.String(),
		Type:           string(e.Type),
		Payload:        payload,
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

	var payload map[string]any
	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		_ = json.Unmarshal(m.Payload, &payload) //nolint:errcheck // best-effort
	}

	return &event.SubscriptionEvent{
		ID:             evtID,
		SubscriptionID: subID,
		Type:           event.Type(m.Type),
		Payload:        payload,
		CreatedAt:      m.CreatedAt,
	}, nil
}

// ==================== Webhook models ====================

type processedEventModel struct {
	grove.BaseModel `grove:"table:billing_processed_webhook_events"`

	Provider    string    `grove:"provider,pk"`
	EventID     string    `grove:"event_id,pk"`
	ProcessedAt time.Time `grove:"processed_at"`
}

type failedEventModel struct {
	grove.BaseModel `grove:"table:billing_failed_webhook_events"`

	Provider  string          `grove:"provider,pk"`
	EventID   string          `grove:"event_id,pk"`
	EventType string          `grove:"event_type"`
	Payload   json.RawMessage `grove:"payload,type:jsonb"`
	Error     string          `grove:"error"`
	FailedAt  time.Time       `grove:"failed_at"`
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

type jobResultModel struct {
	grove.BaseModel `grove:"table:billing_job_results"`

	JobID           string          `grove:"job_id,pk"`
	Queue           string          `grove:"queue"`
	SuccessfulCount int             `grove:"successful_count"`
	FailedCount     int             `grove:"failed_count"`
	Details         json.RawMessage `grove:"details,type:jsonb"`
	CompletedAt     time.Time       `grove:"completed_at"`
	ExpiresAt       time.Time       `grove:"expires_at"`
}

func toJobResultModel(r *job.Result, expiresAt time.Time) *jobResultModel {
	details, _ := json.Marshal(r.Details) //nolint:errcheck // best-effort

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
	var details []job.Detail
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details) //nolint:errcheck // best-effort
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

	JobID     string    `grove:"job_id,pk"`
	Queue     string    `grove:"queue"`
	Error     string    `grove:"error"`
	Attempts  int       `grove:"attempts"`
	FailedAt  time.Time `grove:"failed_at"`
	ExpiresAt time.Time `grove:"expires_at"`
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
