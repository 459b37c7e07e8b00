package event

import (
	"time"

	"github.com/slateboard/billing/id"
)

// Type identifies what happened to a subscription.
type Type string

const (
	TypeCreated           Type = "created"
	TypeUpdated           Type = "updated"
	TypePaymentSucceeded  Type = "payment_succeeded"
	TypePaymentFailed     Type = "payment_failed"
	TypeTrialWillEnd      Type = "trial_will_end"
	TypeInvoiceUpcoming   Type = "invoice_upcoming"
	TypeGraceNotification Type = "grace_period_notification"
	TypeExpired           Type = "expired"
	TypeCanceled          Type = "canceled"
)

// SubscriptionEvent is an append-only record of a subscription lifecycle
// change. Events are never updated or deleted.
type SubscriptionEvent struct {
	ID             id.SubscriptionEventID `json:"id"`
	SubscriptionID id.SubscriptionID      `json:"subscription_id"`
	Type           Type                   `json:"type"`
	Payload        map[string]any         `json:"payload,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// New builds an event with a fresh ID and the current time.
func New(subID id.SubscriptionID, typ Type, payload map[string]any) *SubscriptionEvent {
	return &SubscriptionEvent{
		ID:             id.NewSubscriptionEventID(),
		SubscriptionID: subID,
		Type:           typ,
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
}
