package webhook

import (
	"encoding/json"
	"time"

	"github.com/slateboard/billing/subscription"
)

// Kind is the closed set of provider event kinds the processor understands.
// Dispatch is a total match over this set; an unmapped provider type is
// KindUnknown and is recorded as an ignored outcome.
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindPaymentSucceeded
	KindPaymentFailed
	KindTrialWillEnd
	KindInvoiceUpcoming
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSubscriptionCreated:
		return "subscription_created"
	case KindSubscriptionUpdated:
		return "subscription_updated"
	case KindSubscriptionDeleted:
		return "subscription_deleted"
	case KindPaymentSucceeded:
		return "payment_succeeded"
	case KindPaymentFailed:
		return "payment_failed"
	case KindTrialWillEnd:
		return "trial_will_end"
	case KindInvoiceUpcoming:
		return "invoice_upcoming"
	}
	return "unknown"
}

// KindOf maps a provider event-type string to its Kind.
func KindOf(eventType string) Kind {
	switch eventType {
	case "customer.subscription.created":
		return KindSubscriptionCreated
	case "customer.subscription.updated":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return KindSubscriptionDeleted
	case "invoice.payment_succeeded":
		return KindPaymentSucceeded
	case "invoice.payment_failed":
		return KindPaymentFailed
	case "customer.subscription.trial_will_end":
		return KindTrialWillEnd
	case "invoice.upcoming":
		return KindInvoiceUpcoming
	}
	return KindUnknown
}

// Envelope is a single provider event as delivered to the ingestion
// processor. Data varies by Type and is decoded per kind.
type Envelope struct {
	ID       string          `json:"id"`
	Provider string          `json:"provider"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// Kind returns the decoded kind of the envelope's provider type.
func (e *Envelope) Kind() Kind {
	return KindOf(e.Type)
}

// SubscriptionData is the data object carried by subscription lifecycle
// events (created, updated, deleted, trial_will_end).
type SubscriptionData struct {
	SubscriptionID string            `json:"id"`
	CustomerID     string            `json:"customer"`
	PriceID        string            `json:"price"`
	Status         string            `json:"status,omitempty"`
	TrialEnd       *time.Time        `json:"trial_end,omitempty"`
	CancelAt       *time.Time        `json:"cancel_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// InvoiceData is the data object carried by invoice and payment events.
// SubscriptionID is empty for one-off payments not tied to a subscription.
type InvoiceData struct {
	SubscriptionID     string     `json:"subscription,omitempty"`
	AmountDue          int64      `json:"amount_due,omitempty"`
	Currency           string     `json:"currency,omitempty"`
	AttemptCount       int        `json:"attempt_count,omitempty"`
	NextPaymentAttempt *time.Time `json:"next_payment_attempt,omitempty"`
}

// ProcessedEvent is one row in the dedup ledger. Existence of a row for a
// (provider, event id) pair is the sole gate preventing re-processing.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	Provider    string    `json:"provider"`
	ProcessedAt time.Time `json:"processed_at"`
}

// FailedEvent is a poison-message record written when an event permanently
// exhausts its retries. Retained for operator review, never reprocessed
// automatically.
type FailedEvent struct {
	EventID   string          `json:"event_id"`
	Provider  string          `json:"provider"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Outcome summarizes one Process invocation. Subscription carries the
// post-mutation state when the event converged an existing subscription,
// so the caller can notify listeners without a second read.
type Outcome struct {
	Kind         Kind                       `json:"kind"`
	Applied      bool                       `json:"applied"`
	Duplicate    bool                       `json:"duplicate"`
	Ignored      bool                       `json:"ignored"`
	Subscription *subscription.Subscription `json:"-"`
}
