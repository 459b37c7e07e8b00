// Package plugin provides an extensible plugin system for the billing
// engine. Plugins can hook into lifecycle events to extend functionality.
package plugin

import "context"

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called when a new subscription is created.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub interface{}) error
}

// OnSubscriptionUpdated is called when a subscription's fields change.
type OnSubscriptionUpdated interface {
	Plugin
	OnSubscriptionUpdated(ctx context.Context, sub interface{}) error
}

// OnSubscriptionPastDue is called when a subscription enters dunning.
type OnSubscriptionPastDue interface {
	Plugin
	OnSubscriptionPastDue(ctx context.Context, sub interface{}) error
}

// OnSubscriptionReactivated is called when a past_due subscription
// recovers on a successful payment.
type OnSubscriptionReactivated interface {
	Plugin
	OnSubscriptionReactivated(ctx context.Context, sub interface{}) error
}

// OnSubscriptionCanceled is called when a subscription is canceled.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub interface{}) error
}

// OnSubscriptionExpired is called when a subscription reaches its terminal
// state.
type OnSubscriptionExpired interface {
	Plugin
	OnSubscriptionExpired(ctx context.Context, sub interface{}) error
}

// OnTransitionRejected is called when a status change fails the transition
// table and is skipped.
type OnTransitionRejected interface {
	Plugin
	OnTransitionRejected(ctx context.Context, subID, from, to string) error
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed is called after an event is applied and marked
// processed.
type OnWebhookProcessed interface {
	Plugin
	OnWebhookProcessed(ctx context.Context, provider, eventID, eventType string, applied bool) error
}

// OnWebhookDuplicate is called when an event id is already in the dedup
// ledger and the delivery is dropped without reprocessing.
type OnWebhookDuplicate interface {
	Plugin
	OnWebhookDuplicate(ctx context.Context, provider, eventID, eventType string) error
}

// OnWebhookIgnored is called when an event is a soft-ignorable no-op.
type OnWebhookIgnored interface {
	Plugin
	OnWebhookIgnored(ctx context.Context, provider, eventID, eventType string) error
}

// OnWebhookFailed is called when an event permanently exhausts its retries
// and lands in the failure table.
type OnWebhookFailed interface {
	Plugin
	OnWebhookFailed(ctx context.Context, provider, eventID, eventType string, err error) error
}

// ──────────────────────────────────────────────────
// Grace period hooks
// ──────────────────────────────────────────────────

// OnGraceNotificationSent is called after a confirmed dunning warning.
type OnGraceNotificationSent interface {
	Plugin
	OnGraceNotificationSent(ctx context.Context, sub interface{}, day int) error
}

// OnSweepCompleted is called after each grace-period sweep.
type OnSweepCompleted interface {
	Plugin
	OnSweepCompleted(ctx context.Context, sent, expired, failures int) error
}

// ──────────────────────────────────────────────────
// Job hooks
// ──────────────────────────────────────────────────

// OnJobCompleted is called when a background job finishes successfully.
type OnJobCompleted interface {
	Plugin
	OnJobCompleted(ctx context.Context, queue, jobID string, successful, failed int) error
}

// OnJobFailed is called when a background job exhausts its retries.
type OnJobFailed interface {
	Plugin
	OnJobFailed(ctx context.Context, queue, jobID string, err error) error
}

// ──────────────────────────────────────────────────
// Capability plugins
// ──────────────────────────────────────────────────

// NotifierPlugin supplies a grace-period notification channel.
type NotifierPlugin interface {
	Plugin
	Notifier() interface{} // Returns grace.Notifier
}
