package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit                    []OnInit
	onShutdown                []OnShutdown
	onSubscriptionCreated     []OnSubscriptionCreated
	onSubscriptionUpdated     []OnSubscriptionUpdated
	onSubscriptionPastDue     []OnSubscriptionPastDue
	onSubscriptionReactivated []OnSubscriptionReactivated
	onSubscriptionCanceled    []OnSubscriptionCanceled
	onSubscriptionExpired     []OnSubscriptionExpired
	onTransitionRejected      []OnTransitionRejected
	onWebhookProcessed        []OnWebhookProcessed
	onWebhookDuplicate        []OnWebhookDuplicate
	onWebhookIgnored          []OnWebhookIgnored
	onWebhookFailed           []OnWebhookFailed
	onGraceNotificationSent   []OnGraceNotificationSent
	onSweepCompleted          []OnSweepCompleted
	onJobCompleted            []OnJobCompleted
	onJobFailed               []OnJobFailed
	notifiers                 []NotifierPlugin
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
	}
	if v, ok := p.(OnSubscriptionUpdated); ok {
		r.onSubscriptionUpdated = append(r.onSubscriptionUpdated, v)
	}
	if v, ok := p.(OnSubscriptionPastDue); ok {
		r.onSubscriptionPastDue = append(r.onSubscriptionPastDue, v)
	}
	if v, ok := p.(OnSubscriptionReactivated); ok {
		r.onSubscriptionReactivated = append(r.onSubscriptionReactivated, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnSubscriptionExpired); ok {
		r.onSubscriptionExpired = append(r.onSubscriptionExpired, v)
	}
	if v, ok := p.(OnTransitionRejected); ok {
		r.onTransitionRejected = append(r.onTransitionRejected, v)
	}
	if v, ok := p.(OnWebhookProcessed); ok {
		r.onWebhookProcessed = append(r.onWebhookProcessed, v)
	}
	if v, ok := p.(OnWebhookDuplicate); ok {
		r.onWebhookDuplicate = append(r.onWebhookDuplicate, v)
	}
	if v, ok := p.(OnWebhookIgnored); ok {
		r.onWebhookIgnored = append(r.onWebhookIgnored, v)
	}
	if v, ok := p.(OnWebhookFailed); ok {
		r.onWebhookFailed = append(r.onWebhookFailed, v)
	}
	if v, ok := p.(OnGraceNotificationSent); ok {
		r.onGraceNotificationSent = append(r.onGraceNotificationSent, v)
	}
	if v, ok := p.(OnSweepCompleted); ok {
		r.onSweepCompleted = append(r.onSweepCompleted, v)
	}
	if v, ok := p.(OnJobCompleted); ok {
		r.onJobCompleted = append(r.onJobCompleted, v)
	}
	if v, ok := p.(OnJobFailed); ok {
		r.onJobFailed = append(r.onJobFailed, v)
	}
	if v, ok := p.(NotifierPlugin); ok {
		r.notifiers = append(r.notifiers, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	// Check each interface
	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	// List all interfaces to check
	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnSubscriptionCreated)(nil)).Elem(), "OnSubscriptionCreated")
	checkInterface(reflect.TypeOf((*OnSubscriptionPastDue)(nil)).Elem(), "OnSubscriptionPastDue")
	checkInterface(reflect.TypeOf((*OnSubscriptionExpired)(nil)).Elem(), "OnSubscriptionExpired")
	checkInterface(reflect.TypeOf((*OnWebhookProcessed)(nil)).Elem(), "OnWebhookProcessed")
	checkInterface(reflect.TypeOf((*OnWebhookFailed)(nil)).Elem(), "OnWebhookFailed")
	checkInterface(reflect.TypeOf((*OnSweepCompleted)(nil)).Elem(), "OnSweepCompleted")
	checkInterface(reflect.TypeOf((*OnJobCompleted)(nil)).Elem(), "OnJobCompleted")
	checkInterface(reflect.TypeOf((*NotifierPlugin)(nil)).Elem(), "NotifierPlugin")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// GetNotifiers returns all registered notifier plugins.
func (r *Registry) GetNotifiers() []NotifierPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]NotifierPlugin, len(r.notifiers))
	copy(result, r.notifiers)
	return result
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionCreated emits a subscription created event.
func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionCreated(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionUpdated emits a subscription updated event.
func (r *Registry) EmitSubscriptionUpdated(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionUpdated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionUpdated(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionUpdated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionPastDue emits a past due event.
func (r *Registry) EmitSubscriptionPastDue(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionPastDue
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionPastDue(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionPastDue failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionReactivated emits a reactivation event.
func (r *Registry) EmitSubscriptionReactivated(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionReactivated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionReactivated(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionReactivated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionCanceled emits a subscription canceled event.
func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionCanceled
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionCanceled(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionCanceled failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionExpired emits a subscription expired event.
func (r *Registry) EmitSubscriptionExpired(ctx context.Context, sub interface{}) {
	r.mu.RLock()
	plugins := r.onSubscriptionExpired
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionExpired(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionExpired failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitTransitionRejected emits a rejected transition event.
func (r *Registry) EmitTransitionRejected(ctx context.Context, subID, from, to string) {
	r.mu.RLock()
	plugins := r.onTransitionRejected
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnTransitionRejected(ctx, subID, from, to)
		}); err != nil {
			r.logger.Warn("plugin OnTransitionRejected failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitWebhookProcessed emits a webhook processed event.
func (r *Registry) EmitWebhookProcessed(ctx context.Context, provider, eventID, eventType string, applied bool) {
	r.mu.RLock()
	plugins := r.onWebhookProcessed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnWebhookProcessed(ctx, provider, eventID, eventType, applied)
		}); err != nil {
			r.logger.Warn("plugin OnWebhookProcessed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitWebhookDuplicate emits a deduplicated redelivery event.
func (r *Registry) EmitWebhookDuplicate(ctx context.Context, provider, eventID, eventType string) {
	r.mu.RLock()
	plugins := r.onWebhookDuplicate
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnWebhookDuplicate(ctx, provider, eventID, eventType)
		}); err != nil {
			r.logger.Warn("plugin OnWebhookDuplicate failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitWebhookIgnored emits a webhook ignored event.
func (r *Registry) EmitWebhookIgnored(ctx context.Context, provider, eventID, eventType string) {
	r.mu.RLock()
	plugins := r.onWebhookIgnored
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnWebhookIgnored(ctx, provider, eventID, eventType)
		}); err != nil {
			r.logger.Warn("plugin OnWebhookIgnored failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitWebhookFailed emits a webhook failed event.
func (r *Registry) EmitWebhookFailed(ctx context.Context, provider, eventID, eventType string, err error) {
	r.mu.RLock()
	plugins := r.onWebhookFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if cerr := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnWebhookFailed(ctx, provider, eventID, eventType, err)
		}); cerr != nil {
			r.logger.Warn("plugin OnWebhookFailed failed",
				"plugin", p.Name(),
				"error", cerr,
			)
		}
	}
}

// EmitGraceNotificationSent emits a grace notification event.
func (r *Registry) EmitGraceNotificationSent(ctx context.Context, sub interface{}, day int) {
	r.mu.RLock()
	plugins := r.onGraceNotificationSent
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnGraceNotificationSent(ctx, sub, day)
		}); err != nil {
			r.logger.Warn("plugin OnGraceNotificationSent failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSweepCompleted emits a sweep completed event.
func (r *Registry) EmitSweepCompleted(ctx context.Context, sent, expired, failures int) {
	r.mu.RLock()
	plugins := r.onSweepCompleted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSweepCompleted(ctx, sent, expired, failures)
		}); err != nil {
			r.logger.Warn("plugin OnSweepCompleted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitJobCompleted emits a job completed event.
func (r *Registry) EmitJobCompleted(ctx context.Context, queue, jobID string, successful, failed int) {
	r.mu.RLock()
	plugins := r.onJobCompleted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnJobCompleted(ctx, queue, jobID, successful, failed)
		}); err != nil {
			r.logger.Warn("plugin OnJobCompleted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitJobFailed emits a job failed event.
func (r *Registry) EmitJobFailed(ctx context.Context, queue, jobID string, err error) {
	r.mu.RLock()
	plugins := r.onJobFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if cerr := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnJobFailed(ctx, queue, jobID, err)
		}); cerr != nil {
			r.logger.Warn("plugin OnJobFailed failed",
				"plugin", p.Name(),
				"error", cerr,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
