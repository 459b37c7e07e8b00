package extension

import (
	"time"

	billing "github.com/slateboard/billing"
	"github.com/slateboard/billing/grace"
	"github.com/slateboard/billing/job"
	"github.com/slateboard/billing/plugin"
	"github.com/slateboard/billing/store"
	"github.com/slateboard/billing/webhook"
)

// Option configures the billing Forge extension.
type Option func(*Extension)

// WithStore sets the store for the billing engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a billing.Option through to the underlying engine.
func WithEngineOption(opt billing.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a billing plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, billing.WithPlugin(p))
	}
}

// WithTenantResolver sets the mapping from provider customer ids to tenants.
func WithTenantResolver(r webhook.TenantResolver) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, billing.WithTenantResolver(r))
	}
}

// WithNotifier sets the grace-period notification channel.
func WithNotifier(n grace.Notifier) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, billing.WithNotifier(n))
	}
}

// WithTargetMutator enables bulk operations against host-owned entities.
func WithTargetMutator(m job.TargetMutator) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, billing.WithTargetMutator(m))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents HTTP route registration.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableSweep turns the scheduled grace-period sweep off.
func WithDisableSweep() Option {
	return func(e *Extension) { e.config.DisableSweep = true }
}

// WithBasePath sets the URL prefix for billing routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithQueueWorkers sets the worker count per job queue.
func WithQueueWorkers(n int) Option {
	return func(e *Extension) { e.config.QueueWorkers = n }
}

// WithSweepInterval sets how often the grace-period sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SweepInterval = d }
}

// WithResultTTL sets the retention window for job results.
func WithResultTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.ResultTTL = d }
}

// WithGraceSchedule sets the warning-day ladder for grace notifications.
func WithGraceSchedule(days []int) Option {
	return func(e *Extension) { e.config.GraceScheduleDays = days }
}
