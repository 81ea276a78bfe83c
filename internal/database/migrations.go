package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	version int
	name    string
	stmt    string
}

var migrations = []migration{
	{1, "tenants", `
CREATE TABLE IF NOT EXISTS tenants (
	id           UUID PRIMARY KEY,
	name         TEXT NOT NULL,
	callback_url TEXT NOT NULL DEFAULT '',
	currency     CHAR(3) NOT NULL,
	status       TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`},
	{2, "ledger", `
CREATE TABLE IF NOT EXISTS ledger_accounts (
	id         UUID PRIMARY KEY,
	tenant_id  UUID NOT NULL REFERENCES tenants(id),
	currency   CHAR(3) NOT NULL,
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	reserved   BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= balance),
	version    BIGINT NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'OPEN',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	closed_at  TIMESTAMPTZ,
	UNIQUE (tenant_id, currency)
);
CREATE TABLE IF NOT EXISTS ledger_transactions (
	id              UUID PRIMARY KEY,
	account_id      UUID NOT NULL REFERENCES ledger_accounts(id),
	kind            TEXT NOT NULL,
	delta           BIGINT NOT NULL,
	balance_after   BIGINT NOT NULL,
	reserved_delta  BIGINT NOT NULL DEFAULT 0,
	reserved_after  BIGINT NOT NULL,
	reference_type  TEXT NOT NULL DEFAULT '',
	reference_id    TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL UNIQUE,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ledger_transactions_account ON ledger_transactions (account_id, created_at)`},
	{3, "orders", `
CREATE TABLE IF NOT EXISTS orders (
	id                    UUID PRIMARY KEY,
	tenant_id             UUID NOT NULL REFERENCES tenants(id),
	external_order_id     TEXT NOT NULL,
	status                TEXT NOT NULL,
	currency              CHAR(3) NOT NULL,
	subtotal_minor        BIGINT NOT NULL,
	handling_minor        BIGINT NOT NULL,
	shipping_minor        BIGINT NOT NULL,
	estimated_total_minor BIGINT NOT NULL,
	actual_total_minor    BIGINT,
	idempotency_key       TEXT NOT NULL UNIQUE,
	payment_method        TEXT NOT NULL DEFAULT 'NONE',
	payment_status        TEXT NOT NULL DEFAULT 'UNPAID',
	payment_reference     TEXT NOT NULL DEFAULT '',
	settled_amount_minor  BIGINT NOT NULL DEFAULT 0,
	version               BIGINT NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	funded_at             TIMESTAMPTZ,
	released_at           TIMESTAMPTZ,
	shipped_at            TIMESTAMPTZ,
	completed_at          TIMESTAMPTZ,
	cancelled_at          TIMESTAMPTZ,
	refunded_at           TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS order_items (
	order_id        UUID NOT NULL REFERENCES orders(id),
	line            INT NOT NULL,
	sku             TEXT NOT NULL,
	quantity        BIGINT NOT NULL,
	extra_quantity  BIGINT NOT NULL DEFAULT 0,
	unit_cost_minor BIGINT NOT NULL,
	addons          TEXT[] NOT NULL DEFAULT '{}',
	fees_minor      BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (order_id, line)
);
CREATE TABLE IF NOT EXISTS order_status_history (
	id          UUID PRIMARY KEY,
	order_id    UUID NOT NULL REFERENCES orders(id),
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL,
	actor       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS inventory_items (
	sku      TEXT PRIMARY KEY,
	on_hand  BIGINT NOT NULL CHECK (on_hand >= 0),
	reserved BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= on_hand)
)`},
	{4, "idempotency", `
CREATE TABLE IF NOT EXISTS idempotency_records (
	key              TEXT PRIMARY KEY,
	scope            TEXT NOT NULL,
	status           TEXT NOT NULL,
	result_type      TEXT NOT NULL DEFAULT '',
	result_id        TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`},
	{5, "async_events", `
CREATE TABLE IF NOT EXISTS async_events (
	id              UUID PRIMARY KEY,
	source          TEXT NOT NULL,
	type            TEXT NOT NULL,
	external_id     TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL UNIQUE,
	tenant_id       TEXT NOT NULL DEFAULT '',
	payload         JSONB NOT NULL,
	status          TEXT NOT NULL,
	attempts        INT NOT NULL DEFAULT 0,
	max_attempts    INT NOT NULL,
	next_retry_at   TIMESTAMPTZ NOT NULL,
	locked_at       TIMESTAMPTZ,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_async_events_due ON async_events (status, next_retry_at)`},
	{6, "signing_secrets", `
CREATE TABLE IF NOT EXISTS signing_secrets (
	id            UUID PRIMARY KEY,
	store_id      TEXT NOT NULL,
	secret_hash   TEXT NOT NULL UNIQUE,
	sealed_secret BYTEA NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at    TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signing_secrets_active ON signing_secrets (store_id) WHERE status = 'ACTIVE'`},
}

// Migrate applies every migration newer than the recorded schema version.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		slog.Info("migration applied", "version", m.version, "name", m.name)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}
