// Package observability provides a metrics plugin for the billing engine
// that records lifecycle event counts via go-utils MetricFactory.
package observability

import (
	"context"

	"github.com/slateboard/billing/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                    = (*MetricsExtension)(nil)
	_ plugin.OnInit                    = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated     = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionPastDue     = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionReactivated = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled    = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionExpired     = (*MetricsExtension)(nil)
	_ plugin.OnTransitionRejected      = (*MetricsExtension)(nil)
	_ plugin.OnWebhookProcessed        = (*MetricsExtension)(nil)
	_ plugin.OnWebhookDuplicate        = (*MetricsExtension)(nil)
	_ plugin.OnWebhookIgnored          = (*MetricsExtension)(nil)
	_ plugin.OnWebhookFailed           = (*MetricsExtension)(nil)
	_ plugin.OnGraceNotificationSent   = (*MetricsExtension)(nil)
	_ plugin.OnSweepCompleted          = (*MetricsExtension)(nil)
	_ plugin.OnJobCompleted            = (*MetricsExtension)(nil)
	_ plugin.OnJobFailed               = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an engine plugin to automatically track billing metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Subscription metrics
	SubscriptionCreated     Counter
	SubscriptionPastDue     Counter
	SubscriptionReactivated Counter
	SubscriptionCanceled    Counter
	SubscriptionExpired     Counter
	TransitionRejected      Counter

	// Webhook metrics
	WebhookApplied   Counter
	WebhookUnchanged Counter
	WebhookDedup     Counter
	WebhookIgnored   Counter
	WebhookFailed    Counter

	// Grace period metrics
	GraceNotificationsSent Counter
	SweepExpired           Counter
	SweepFailures          Counter
	SweepBatchSize         Histogram

	// Job metrics
	JobsCompleted    Counter
	JobsFailed       Counter
	JobTargetsOK     Counter
	JobTargetsFailed Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Subscription metrics
		SubscriptionCreated:     factory.Counter("billing.subscription.created"),
		SubscriptionPastDue:     factory.Counter("billing.subscription.past_due"),
		SubscriptionReactivated: factory.Counter("billing.subscription.reactivated"),
		SubscriptionCanceled:    factory.Counter("billing.subscription.canceled"),
		SubscriptionExpired:     factory.Counter("billing.subscription.expired"),
		TransitionRejected:      factory.Counter("billing.subscription.transition_rejected"),

		// Webhook metrics
		WebhookApplied:   factory.Counter("billing.webhook.applied"),
		WebhookUnchanged: factory.Counter("billing.webhook.unchanged"),
		WebhookDedup:     factory.Counter("billing.webhook.deduplicated"),
		WebhookIgnored:   factory.Counter("billing.webhook.ignored"),
		WebhookFailed:    factory.Counter("billing.webhook.failed"),

		// Grace period metrics
		GraceNotificationsSent: factory.Counter("billing.grace.notifications.sent"),
		SweepExpired:           factory.Counter("billing.sweep.expired"),
		SweepFailures:          factory.Counter("billing.sweep.failures"),
		SweepBatchSize:         factory.Histogram("billing.sweep.batch.size"),

		// Job metrics
		JobsCompleted:    factory.Counter("billing.jobs.completed"),
		JobsFailed:       factory.Counter("billing.jobs.failed"),
		JobTargetsOK:     factory.Counter("billing.jobs.targets.succeeded"),
		JobTargetsFailed: factory.Counter("billing.jobs.targets.failed"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	// No initialization needed
	return nil
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ interface{}) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionPastDue implements plugin.OnSubscriptionPastDue.
func (m *MetricsExtension) OnSubscriptionPastDue(_ context.Context, _ interface{}) error {
	m.SubscriptionPastDue.Inc()
	return nil
}

// OnSubscriptionReactivated implements plugin.OnSubscriptionReactivated.
func (m *MetricsExtension) OnSubscriptionReactivated(_ context.Context, _ interface{}) error {
	m.SubscriptionReactivated.Inc()
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ interface{}) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (m *MetricsExtension) OnSubscriptionExpired(_ context.Context, _ interface{}) error {
	m.SubscriptionExpired.Inc()
	return nil
}

// OnTransitionRejected implements plugin.OnTransitionRejected.
func (m *MetricsExtension) OnTransitionRejected(_ context.Context, _, _, _ string) error {
	m.TransitionRejected.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed implements plugin.OnWebhookProcessed.
func (m *MetricsExtension) OnWebhookProcessed(_ context.Context, _, _, _ string, applied bool) error {
	if applied {
		m.WebhookApplied.Inc()
	} else {
		m.WebhookUnchanged.Inc()
	}
	return nil
}

// OnWebhookDuplicate implements plugin.OnWebhookDuplicate.
func (m *MetricsExtension) OnWebhookDuplicate(_ context.Context, _, _, _ string) error {
	m.WebhookDedup.Inc()
	return nil
}

// OnWebhookIgnored implements plugin.OnWebhookIgnored.
func (m *MetricsExtension) OnWebhookIgnored(_ context.Context, _, _, _ string) error {
	m.WebhookIgnored.Inc()
	return nil
}

// OnWebhookFailed implements plugin.OnWebhookFailed.
func (m *MetricsExtension) OnWebhookFailed(_ context.Context, _, _, _ string, _ error) error {
	m.WebhookFailed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Grace period hooks
// ──────────────────────────────────────────────────

// OnGraceNotificationSent implements plugin.OnGraceNotificationSent.
func (m *MetricsExtension) OnGraceNotificationSent(_ context.Context, _ interface{}, _ int) error {
	m.GraceNotificationsSent.Inc()
	return nil
}

// OnSweepCompleted implements plugin.OnSweepCompleted.
func (m *MetricsExtension) OnSweepCompleted(_ context.Context, sent, expired, failures int) error {
	m.SweepExpired.Add(float64(expired))
	m.SweepFailures.Add(float64(failures))
	m.SweepBatchSize.Observe(float64(sent + expired))
	return nil
}

// ──────────────────────────────────────────────────
// Job hooks
// ──────────────────────────────────────────────────

// OnJobCompleted implements plugin.OnJobCompleted.
func (m *MetricsExtension) OnJobCompleted(_ context.Context, _, _ string, successful, failed int) error {
	m.JobsCompleted.Inc()
	m.JobTargetsOK.Add(float64(successful))
	m.JobTargetsFailed.Add(float64(failed))
	return nil
}

// OnJobFailed implements plugin.OnJobFailed.
func (m *MetricsExtension) OnJobFailed(_ context.Context, _, _ string, _ error) error {
	m.JobsFailed.Inc()
	return nil
}
