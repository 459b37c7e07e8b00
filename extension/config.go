package extension

import "time"

// Config holds the billing extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.billing" or "billing" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for billing routes (default: "/billing").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// QueueWorkers is the worker count per job queue (default: 4).
	QueueWorkers int `json:"queue_workers" mapstructure:"queue_workers" yaml:"queue_workers"`

	// SweepInterval is how often the grace-period sweep runs
	// (default: 24h). Zero in YAML keeps the default; use
	// WithDisableSweep to turn the scheduled sweep off.
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// ResultTTL is the retention window for job results and failure
	// records (default: 24h).
	ResultTTL time.Duration `json:"result_ttl" mapstructure:"result_ttl" yaml:"result_ttl"`

	// GraceScheduleDays is the warning-day ladder for grace-period
	// notifications (default: 7, 3, 1, 0).
	GraceScheduleDays []int `json:"grace_schedule_days" mapstructure:"grace_schedule_days" yaml:"grace_schedule_days"`

	// DisableSweep turns the scheduled grace-period sweep off. Sweeps can
	// still be triggered through the engine directly.
	DisableSweep bool `json:"disable_sweep" mapstructure:"disable_sweep" yaml:"disable_sweep"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueWorkers:      4,
		SweepInterval:     24 * time.Hour,
		ResultTTL:         24 * time.Hour,
		GraceScheduleDays: []int{7, 3, 1, 0},
	}
}
