package store

import (
	"context"
	"fmt"
)

// schema is the full DDL, written to be idempotent so Migrate can run
// on every boot. The partial unique index on active holders is the
// structural guard behind the one-active-token-per-user rule; the
// partial unique index on pending jobs is the queue's dedup key.
const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	id              uuid PRIMARY KEY,
	status          text NOT NULL CHECK (status IN ('available', 'active')),
	current_user_id uuid,
	activated_at    timestamptz,
	created_at      timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now(),
	CHECK (
		(status = 'active'    AND current_user_id IS NOT NULL AND activated_at IS NOT NULL) OR
		(status = 'available' AND current_user_id IS NULL     AND activated_at IS NULL)
	)
);

CREATE INDEX IF NOT EXISTS ix_tokens_status       ON tokens (status);
CREATE INDEX IF NOT EXISTS ix_tokens_activated_at ON tokens (activated_at);
CREATE UNIQUE INDEX IF NOT EXISTS ux_tokens_active_user
	ON tokens (current_user_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS token_usages (
	id         uuid PRIMARY KEY,
	token_id   uuid NOT NULL REFERENCES tokens (id) ON DELETE CASCADE,
	user_id    uuid NOT NULL,
	started_at timestamptz NOT NULL,
	ended_at   timestamptz,
	created_at timestamptz NOT NULL DEFAULT now(),
	CHECK (ended_at IS NULL OR ended_at >= started_at)
);

CREATE INDEX IF NOT EXISTS ix_token_usages_token_id   ON token_usages (token_id);
CREATE INDEX IF NOT EXISTS ix_token_usages_user_id    ON token_usages (user_id);
CREATE INDEX IF NOT EXISTS ix_token_usages_started_at ON token_usages (started_at);
CREATE INDEX IF NOT EXISTS ix_token_usages_open       ON token_usages (token_id, ended_at);

CREATE TABLE IF NOT EXISTS release_jobs (
	id           uuid PRIMARY KEY,
	token_id     uuid NOT NULL REFERENCES tokens (id) ON DELETE CASCADE,
	state        text NOT NULL CHECK (state IN ('scheduled', 'running', 'done', 'failed')),
	run_at       timestamptz NOT NULL,
	attempts     int NOT NULL DEFAULT 0,
	max_attempts int NOT NULL,
	last_error   text,
	locked_at    timestamptz,
	created_at   timestamptz NOT NULL DEFAULT now(),
	updated_at   timestamptz NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_release_jobs_pending
	ON release_jobs (token_id) WHERE state IN ('scheduled', 'running');
CREATE INDEX IF NOT EXISTS ix_release_jobs_due ON release_jobs (state, run_at);
`

// Migrate creates the tables and indexes if they do not exist. Safe to
// run concurrently from multiple replicas: every statement is
// IF NOT EXISTS and Postgres serializes the DDL.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
