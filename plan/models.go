package plan

import (
	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDraft    Status = "draft"
)

// Plan is a priced subscription tier. Plans are matched to incoming
// provider events by their provider price id and are immutable once
// matched, except by administrative action.
type Plan struct {
	types.Entity
	ID              id.PlanID         `json:"id"`
	Name            string            `json:"name"`
	Slug            string            `json:"slug"`
	Description     string            `json:"description"`
	Status          Status            `json:"status"`
	Price           types.Money       `json:"price"`
	BillingPeriod   Period            `json:"billing_period"`
	TrialDays       int               `json:"trial_days"`
	ProviderPriceID string            `json:"provider_price_id"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)
