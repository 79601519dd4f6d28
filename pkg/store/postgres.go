// Package store provides the PostgreSQL-backed implementations of the
// platform persistence SPIs (watermarks, idempotency, event dedupe, and the
// transactional outbox), plus a SQLite-backed step-up store for single-node
// deployments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// OpenPostgres opens a pooled connection to dsn and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return db, nil
}

// MigratePostgres creates the platform tables when they do not exist.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	for _, stmt := range pgSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS consistency_watermarks (
		tenant_id    TEXT PRIMARY KEY,
		watermark_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		tenant_id     TEXT NOT NULL,
		key           UUID NOT NULL,
		request_hash  TEXT NOT NULL,
		http_method   TEXT NOT NULL,
		http_path     TEXT NOT NULL,
		response_body BYTEA,
		status        INT NOT NULL DEFAULT 0,
		completed     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		row_version   BIGINT NOT NULL DEFAULT 1,
		PRIMARY KEY (tenant_id, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idempotency_keys_expires_idx
		ON idempotency_keys (expires_at)`,
	`CREATE TABLE IF NOT EXISTS event_dedupe (
		tenant_id     TEXT NOT NULL,
		event_id      TEXT NOT NULL,
		version       BIGINT NOT NULL,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at  TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		seen_count    INT NOT NULL DEFAULT 1,
		PRIMARY KEY (tenant_id, event_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS event_dedupe_expires_idx
		ON event_dedupe (expires_at)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id             UUID PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		topic          TEXT NOT NULL,
		event_key      TEXT NOT NULL DEFAULT '',
		aggregate_type TEXT NOT NULL DEFAULT '',
		aggregate_id   TEXT NOT NULL DEFAULT '',
		event_type     TEXT NOT NULL DEFAULT '',
		entity_version BIGINT NOT NULL DEFAULT 0,
		payload        BYTEA NOT NULL,
		headers        JSONB,
		status         TEXT NOT NULL DEFAULT 'PENDING',
		attempts       INT NOT NULL DEFAULT 0,
		last_error     TEXT NOT NULL DEFAULT '',
		available_at   TIMESTAMPTZ NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		published_at   TIMESTAMPTZ,
		row_version    BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx
		ON outbox (available_at, created_at) WHERE status = 'PENDING'`,
}
