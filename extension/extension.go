// Package extension provides the Forge extension adapter for the billing
// engine.
//
// It implements the forge.Extension interface to integrate billing
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.billing" or "billing" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	billing "github.com/slateboard/billing"
	"github.com/slateboard/billing/grace"
	"github.com/slateboard/billing/store"
	"github.com/slateboard/billing/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "billing"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Subscription lifecycle and billing engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the billing engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *billing.Engine
	store      store.Store
	engineOpts []billing.Option
}

// New creates a new billing Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying billing engine.
// This is nil until Register is called.
func (e *Extension) Engine() *billing.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the billing engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	// Build engine options from resolved config.
	opts := e.buildEngineOpts()

	eng := billing.New(e.store, opts...)
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*billing.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("billing: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("billing: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs billing.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []billing.Option {
	opts := make([]billing.Option, 0, len(e.engineOpts)+4)

	if e.config.QueueWorkers > 0 {
		opts = append(opts, billing.WithQueueWorkers(e.config.QueueWorkers))
	}
	if e.config.DisableSweep {
		opts = append(opts, billing.WithSweepInterval(0))
	} else if e.config.SweepInterval > 0 {
		opts = append(opts, billing.WithSweepInterval(e.config.SweepInterval))
	}
	if e.config.ResultTTL > 0 {
		opts = append(opts, billing.WithResultTTL(e.config.ResultTTL))
	}
	if len(e.config.GraceScheduleDays) > 0 {
		opts = append(opts, billing.WithGraceSchedule(grace.Schedule(e.config.GraceScheduleDays)))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("billing: configuration is required but not found in config files; " +
				"ensure 'extensions.billing' or 'billing' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("billing: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("queue_workers", e.config.QueueWorkers),
		forge.F("sweep_interval", e.config.SweepInterval),
		forge.F("result_ttl", e.config.ResultTTL),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.billing" first (namespaced pattern).
	if cm.IsSet("extensions.billing") {
		if err := cm.Bind("extensions.billing", &cfg); err == nil {
			e.Logger().Debug("billing: loaded config from file",
				forge.F("key", "extensions.billing"),
			)
			return cfg, true
		}
		e.Logger().Warn("billing: failed to bind extensions.billing config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "billing" key.
	if cm.IsSet("billing") {
		if err := cm.Bind("billing", &cfg); err == nil {
			e.Logger().Debug("billing: loaded config from file",
				forge.F("key", "billing"),
			)
			return cfg, true
		}
		e.Logger().Warn("billing: failed to bind billing config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.QueueWorkers == 0 {
		cfg.QueueWorkers = defaults.QueueWorkers
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = defaults.ResultTTL
	}
	if len(cfg.GraceScheduleDays) == 0 {
		cfg.GraceScheduleDays = defaults.GraceScheduleDays
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableSweep {
		yamlConfig.DisableSweep = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" && programmaticConfig.BasePath != "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.QueueWorkers == 0 && programmaticConfig.QueueWorkers != 0 {
		yamlConfig.QueueWorkers = programmaticConfig.QueueWorkers
	}
	if yamlConfig.SweepInterval == 0 && programmaticConfig.SweepInterval != 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if yamlConfig.ResultTTL == 0 && programmaticConfig.ResultTTL != 0 {
		yamlConfig.ResultTTL = programmaticConfig.ResultTTL
	}
	if len(yamlConfig.GraceScheduleDays) == 0 && len(programmaticConfig.GraceScheduleDays) != 0 {
		yamlConfig.GraceScheduleDays = programmaticConfig.GraceScheduleDays
	}

	// Fill remaining zeros with defaults.
	return e.mergeWithDefaults(yamlConfig)
}
