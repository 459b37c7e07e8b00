package subscription

import (
	"time"

	"github.com/slateboard/billing/id"
	"github.com/slateboard/billing/types"
)

// Status is the closed set of subscription lifecycle states.
// Any other value is invalid.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Subscription is one tenant-plan relationship. Subscriptions are created on
// the first provider "subscription created" event, mutated on every
// subsequent lifecycle event, and never physically deleted. The terminal
// state is StatusExpired.
//
// EndsAt is authoritative for grace-period computations: once canceled or
// past-due it is the grace-period boundary; nil means "not currently
// time-bounded".
type Subscription struct {
	types.Entity
	ID                 id.SubscriptionID `json:"id"`
	TenantID           string            `json:"tenant_id"`
	PlanID             id.PlanID         `json:"plan_id"`
	Status             Status            `json:"status"`
	ProviderSubID      string            `json:"provider_sub_id"`
	ProviderCustomerID string            `json:"provider_customer_id"`
	ProviderName       string            `json:"provider_name,omitempty"`
	TrialEndsAt        *time.Time        `json:"trial_ends_at,omitempty"`
	EndsAt             *time.Time        `json:"ends_at,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// InGracePeriod reports whether the subscription is inside a grace window at
// the given instant: past_due or canceled with a future EndsAt boundary.
func (s *Subscription) InGracePeriod(now time.Time) bool {
	if s.Status != StatusPastDue && s.Status != StatusCanceled {
		return false
	}
	return s.EndsAt != nil && s.EndsAt.After(now)
}
