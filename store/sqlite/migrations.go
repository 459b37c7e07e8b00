package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the billing store (SQLite).
var Migrations = migrate.NewGroup("billing")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_billing_plans",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_plans (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL DEFAULT '',
    slug              TEXT NOT NULL DEFAULT '',
    description       TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'draft',
    price_cents       INTEGER NOT NULL DEFAULT 0,
    price_currency    TEXT NOT NULL DEFAULT '',
    billing_period    TEXT NOT NULL DEFAULT 'monthly',
    trial_days        INTEGER NOT NULL DEFAULT 0,
    provider_price_id TEXT NOT NULL DEFAULT '',
    metadata          TEXT NOT NULL DEFAULT '{}',
    created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_plans_slug ON billing_plans (slug);
CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_plans_provider_price ON billing_plans (provider_price_id) WHERE provider_price_id != '';
CREATE INDEX IF NOT EXISTS idx_billing_plans_status ON billing_plans (status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_plans`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_subscriptions",
			Version: "20240101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_subscriptions (
    id                   TEXT PRIMARY KEY,
    tenant_id            TEXT NOT NULL DEFAULT '',
    plan_id              TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL DEFAULT 'active',
    provider_sub_id      TEXT NOT NULL DEFAULT '',
    provider_customer_id TEXT NOT NULL DEFAULT '',
    provider_name        TEXT NOT NULL DEFAULT '',
    trial_ends_at        TIMESTAMP,
    ends_at              TIMESTAMP,
    metadata             TEXT NOT NULL DEFAULT '{}',
    created_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_subs_provider ON billing_subscriptions (provider_sub_id) WHERE provider_sub_id != '';
CREATE INDEX IF NOT EXISTS idx_billing_subs_tenant ON billing_subscriptions (tenant_id);
CREATE INDEX IF NOT EXISTS idx_billing_subs_status ON billing_subscriptions (tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_billing_subs_grace ON billing_subscriptions (status, ends_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_subscription_events",
			Version: "20240101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_subscription_events (
    id              TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL DEFAULT '',
    type            TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL DEFAULT '{}',
    created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_billing_sub_events_sub ON billing_subscription_events (subscription_id, created_at);
CREATE INDEX IF NOT EXISTS idx_billing_sub_events_type ON billing_subscription_events (subscription_id, type, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_subscription_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_processed_webhook_events",
			Version: "20240101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_processed_webhook_events (
    provider     TEXT NOT NULL,
    event_id     TEXT NOT NULL,
    processed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (provider, event_id)
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_processed_webhook_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_failed_webhook_events",
			Version: "20240101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_failed_webhook_events (
    provider   TEXT NOT NULL DEFAULT '',
    event_id   TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL DEFAULT '',
    payload    TEXT,
    error      TEXT NOT NULL DEFAULT '',
    failed_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (provider, event_id)
);

CREATE INDEX IF NOT EXISTS idx_billing_failed_events_time ON billing_failed_webhook_events (provider, failed_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_failed_webhook_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_billing_job_results",
			Version: "20240101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_job_results (
    job_id           TEXT PRIMARY KEY,
    queue            TEXT NOT NULL DEFAULT '',
    successful_count INTEGER NOT NULL DEFAULT 0,
    failed_count     INTEGER NOT NULL DEFAULT 0,
    details          TEXT NOT NULL DEFAULT '[]',
    completed_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    expires_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_billing_job_results_expires ON billing_job_results (expires_at);

CREATE TABLE IF NOT EXISTS billing_job_failures (
    job_id     TEXT PRIMARY KEY,
    queue      TEXT NOT NULL DEFAULT '',
    error      TEXT NOT NULL DEFAULT '',
    attempts   INTEGER NOT NULL DEFAULT 0,
    failed_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_billing_job_failures_expires ON billing_job_failures (expires_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS billing_job_results; DROP TABLE IF EXISTS billing_job_failures`)
				return err
			},
		},
	)
}
