package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema for the three tables the pipeline core owns. Everything else in the
// database belongs to the agents and is out of scope here.
const schema = `
CREATE TABLE IF NOT EXISTS event_log (
    event_id        TEXT PRIMARY KEY,
    event_type      TEXT NOT NULL,
    tenant_id       TEXT NOT NULL,
    exception_id    TEXT,
    timestamp       TIMESTAMPTZ NOT NULL,
    correlation_id  TEXT NOT NULL,
    payload         JSONB NOT NULL,
    event_metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
    version         INT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_event_log_tenant_ts
    ON event_log (tenant_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_event_log_tenant_exception
    ON event_log (tenant_id, exception_id);
CREATE INDEX IF NOT EXISTS idx_event_log_tenant_correlation
    ON event_log (tenant_id, correlation_id);

CREATE TABLE IF NOT EXISTS event_processing (
    event_id        TEXT NOT NULL,
    worker_type     TEXT NOT NULL,
    tenant_id       TEXT NOT NULL,
    exception_id    TEXT,
    status          TEXT NOT NULL CHECK (status IN ('processing','completed','failed')),
    processed_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    error_message   TEXT,
    attempt_number  INT NOT NULL DEFAULT 0,
    PRIMARY KEY (event_id, worker_type)
);

CREATE TABLE IF NOT EXISTS dead_letter_events (
    dlq_id          BIGSERIAL PRIMARY KEY,
    event_id        TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    tenant_id       TEXT NOT NULL,
    exception_id    TEXT,
    original_topic  TEXT NOT NULL,
    failure_reason  TEXT NOT NULL,
    retry_count     INT NOT NULL DEFAULT 0,
    worker_type     TEXT NOT NULL,
    payload         JSONB NOT NULL,
    event_metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
    failed_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    status          TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending','retrying','succeeded','discarded'))
);

CREATE INDEX IF NOT EXISTS idx_dlq_tenant_failed_at
    ON dead_letter_events (tenant_id, failed_at DESC);
CREATE INDEX IF NOT EXISTS idx_dlq_tenant_status
    ON dead_letter_events (tenant_id, status);
`

// Migrate applies the core schema. Statements are idempotent so repeated
// startup runs are safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
