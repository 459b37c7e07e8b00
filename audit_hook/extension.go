// Package audithook bridges billing lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// Chronicle directly. Callers inject a RecorderFunc adapter that bridges
// to Chronicle at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slateboard/billing/plugin"
	"github.com/slateboard/billing/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                    = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated     = (*Extension)(nil)
	_ plugin.OnSubscriptionPastDue     = (*Extension)(nil)
	_ plugin.OnSubscriptionReactivated = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled    = (*Extension)(nil)
	_ plugin.OnSubscriptionExpired     = (*Extension)(nil)
	_ plugin.OnTransitionRejected      = (*Extension)(nil)
	_ plugin.OnWebhookProcessed        = (*Extension)(nil)
	_ plugin.OnWebhookIgnored          = (*Extension)(nil)
	_ plugin.OnWebhookFailed           = (*Extension)(nil)
	_ plugin.OnGraceNotificationSent   = (*Extension)(nil)
	_ plugin.OnSweepCompleted          = (*Extension)(nil)
	_ plugin.OnJobCompleted            = (*Extension)(nil)
	_ plugin.OnJobFailed               = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// This matches chronicle.Emitter but is defined locally so that the
// audit_hook package does not import Chronicle directly — callers inject
// the concrete *chronicle.Chronicle at wiring time.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
// It mirrors chronicle/audit.Event but avoids a module dependency.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges billing lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub interface{}) error {
	id, tenant := subscriptionInfo(sub)
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, id, CategoryBilling, nil,
		"tenant_id", tenant,
	)
}

// OnSubscriptionPastDue implements plugin.OnSubscriptionPastDue.
func (e *Extension) OnSubscriptionPastDue(ctx context.Context, sub interface{}) error {
	id, tenant := subscriptionInfo(sub)
	return e.record(ctx, ActionSubscriptionPastDue, SeverityWarning, OutcomeSuccess,
		ResourceSubscription, id, CategoryDunning, nil,
		"tenant_id", tenant,
	)
}

// OnSubscriptionReactivated implements plugin.OnSubscriptionReactivated.
func (e *Extension) OnSubscriptionReactivated(ctx context.Context, sub interface{}) error {
	id, tenant := subscriptionInfo(sub)
	return e.record(ctx, ActionSubscriptionReactivated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, id, CategoryDunning, nil,
		"tenant_id", tenant,
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub interface{}) error {
	id, tenant := subscriptionInfo(sub)
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, id, CategoryBilling, nil,
		"tenant_id", tenant,
	)
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (e *Extension) OnSubscriptionExpired(ctx context.Context, sub interface{}) error {
	id, tenant := subscriptionInfo(sub)
	return e.record(ctx, ActionSubscriptionExpired, SeverityWarning, OutcomeSuccess,
		ResourceSubscription, id, CategoryBilling, nil,
		"tenant_id", tenant,
	)
}

// OnTransitionRejected implements plugin.OnTransitionRejected.
func (e *Extension) OnTransitionRejected(ctx context.Context, subID, from, to string) error {
	return e.record(ctx, ActionTransitionRejected, SeverityWarning, OutcomeFailure,
		ResourceSubscription, subID, CategoryBilling, nil,
		"from", from,
		"to", to,
	)
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed implements plugin.OnWebhookProcessed.
func (e *Extension) OnWebhookProcessed(ctx context.Context, provider, eventID, eventType string, applied bool) error {
	outcome := OutcomeSuccess
	if !applied {
		// Redelivery of an already processed event.
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionWebhookProcessed, SeverityInfo, outcome,
		ResourceWebhook, eventID, CategoryIntegration, nil,
		"provider", provider,
		"event_type", eventType,
		"applied", applied,
	)
}

// OnWebhookFailed implements plugin.OnWebhookFailed.
func (e *Extension) OnWebhookFailed(ctx context.Context, provider, eventID, eventType string, err error) error {
	return e.record(ctx, ActionWebhookFailed, SeverityError, OutcomeFailure,
		ResourceWebhook, eventID, CategoryIntegration, err,
		"provider", provider,
		"event_type", eventType,
	)
}

// OnWebhookIgnored implements plugin.OnWebhookIgnored.
func (e *Extension) OnWebhookIgnored(ctx context.Context, provider, eventID, eventType string) error {
	return e.record(ctx, ActionWebhookIgnored, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, eventID, CategoryIntegration, nil,
		"provider", provider,
		"event_type", eventType,
	)
}

// ──────────────────────────────────────────────────
// Grace period hooks
// ──────────────────────────────────────────────────

// OnGraceNotificationSent implements plugin.OnGraceNotificationSent.
func (e *Extension) OnGraceNotificationSent(ctx context.Context, sub interface{}, day int) error {
	id, tenant := subscriptionInfo(sub)
	return e.record(ctx, ActionGraceNotified, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, id, CategoryDunning, nil,
		"tenant_id", tenant,
		"days_remaining", day,
	)
}

// OnSweepCompleted implements plugin.OnSweepCompleted.
func (e *Extension) OnSweepCompleted(ctx context.Context, sent, expired, failures int) error {
	outcome := OutcomeSuccess
	severity := SeverityInfo
	if failures > 0 {
		outcome = OutcomePartial
		severity = SeverityWarning
	}
	return e.record(ctx, ActionSweepCompleted, severity, outcome,
		ResourceSweep, "", CategoryDunning, nil,
		"notifications_sent", sent,
		"expired", expired,
		"failures", failures,
	)
}

// ──────────────────────────────────────────────────
// Job hooks
// ──────────────────────────────────────────────────

// OnJobCompleted implements plugin.OnJobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, queue, jobID string, successful, failed int) error {
	outcome := OutcomeSuccess
	if failed > 0 {
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionJobCompleted, SeverityInfo, outcome,
		ResourceJob, jobID, CategoryJobs, nil,
		"queue", queue,
		"successful", successful,
		"failed", failed,
	)
}

// OnJobFailed implements plugin.OnJobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, queue, jobID string, err error) error {
	return e.record(ctx, ActionJobFailed, SeverityError, OutcomeFailure,
		ResourceJob, jobID, CategoryJobs, err,
		"queue", queue,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// subscriptionInfo extracts the resource ID and tenant from a hook payload.
func subscriptionInfo(v interface{}) (string, string) {
	sub, ok := v.(*subscription.Subscription)
	if !ok || sub == nil {
		return "", ""
	}
	return sub.ID.String(), sub.TenantID
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
