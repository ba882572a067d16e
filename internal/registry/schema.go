// Package registry implements the Run Registry (spec.md §4.8, component
// C8): a durable table of runs enforcing the status machine, plus a
// separate ordered log table, grounded on the same sqlx/lib/pq style the
// module store (internal/modulestore) uses.
package registry

// Schema is the DDL for the runs and run_logs tables, applied via
// golang-migrate in production and kept here as the canonical source the
// migration files mirror.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                    TEXT PRIMARY KEY,
	org_id                TEXT NULL,
	requester_id          TEXT NOT NULL,
	workflow_id           TEXT NULL,
	module_path           TEXT NULL,
	function_name         TEXT NULL,
	inline_code           TEXT NULL,
	inline_code_blob_id   TEXT NULL,
	inputs                BYTEA NULL,
	inputs_blob_ref       TEXT NULL,
	enqueued_at           TIMESTAMPTZ NOT NULL,
	started_at            TIMESTAMPTZ NULL,
	completed_at          TIMESTAMPTZ NULL,
	status                TEXT NOT NULL,
	result                BYTEA NULL,
	error_kind            TEXT NULL,
	error_message         TEXT NULL,
	logs_ref              TEXT NULL,
	peak_memory_bytes     BIGINT NOT NULL DEFAULT 0,
	cpu_seconds           DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms           BIGINT NOT NULL DEFAULT 0,
	ai_tokens             BIGINT NOT NULL DEFAULT 0,
	cancellation_reason   TEXT NULL,
	attempt_count         INT NOT NULL DEFAULT 0,
	priority              INT NOT NULL DEFAULT 0,
	deadline_ms           BIGINT NOT NULL DEFAULT 0,
	memory_limit_bytes    BIGINT NOT NULL DEFAULT 0,
	pool_owner            TEXT NULL
);
CREATE INDEX IF NOT EXISTS runs_org_status_idx ON runs (org_id, status);

CREATE TABLE IF NOT EXISTS run_logs (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	sequence  BIGINT NOT NULL,
	severity  TEXT NOT NULL,
	source    TEXT NOT NULL,
	message   TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	data      JSONB NULL,
	PRIMARY KEY (run_id, sequence)
);
`
