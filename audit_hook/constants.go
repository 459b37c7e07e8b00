package audithook

// Action constants for audit events.
const (
	// Subscription actions
	ActionSubscriptionCreated     = "subscription.created"
	ActionSubscriptionPastDue     = "subscription.past_due"
	ActionSubscriptionReactivated = "subscription.reactivated"
	ActionSubscriptionCanceled    = "subscription.canceled"
	ActionSubscriptionExpired     = "subscription.expired"
	ActionTransitionRejected      = "subscription.transition_rejected"

	// Webhook actions
	ActionWebhookProcessed = "webhook.processed"
	ActionWebhookIgnored   = "webhook.ignored"
	ActionWebhookFailed    = "webhook.failed"

	// Grace period actions
	ActionGraceNotified  = "grace.notified"
	ActionSweepCompleted = "grace.sweep_completed"

	// Job actions
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
)

// Resource constants for audit events.
const (
	ResourceSubscription = "subscription"
	ResourceWebhook      = "webhook"
	ResourceJob          = "job"
	ResourceSweep        = "sweep"
)

// Category constants for audit events.
const (
	CategoryBilling     = "billing"
	CategoryDunning     = "dunning"
	CategoryIntegration = "integration"
	CategoryJobs        = "jobs"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
