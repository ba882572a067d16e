// Package queue implements the Queue Message contract of spec.md §3/§6:
// at-least-once delivery, idempotent on run id, deduped by the registry.
// It is backed by Postgres (SELECT ... FOR UPDATE SKIP LOCKED), reusing
// the sqlx/lib/pq stack the run registry already carries rather than
// introducing a dedicated broker dependency the corpus never pulls in.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Schema is the DDL for the durable queue table.
const Schema = `
CREATE TABLE IF NOT EXISTS run_queue (
	run_id        TEXT PRIMARY KEY,
	org_id        TEXT NULL,
	attempt_count INT NOT NULL DEFAULT 0,
	enqueued_at   TIMESTAMPTZ NOT NULL,
	visible_at    TIMESTAMPTZ NOT NULL,
	priority      INT NOT NULL DEFAULT 0,
	locked_by     TEXT NULL,
	locked_at     TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS run_queue_visible_idx ON run_queue (visible_at) WHERE locked_by IS NULL;
`

// Message is the run request envelope of spec.md §6 "Run request (queue
// message)", trimmed to the fields the queue itself owns; the rest
// (target, inputs, deadline/memory overrides) lives in the run registry
// and is looked up by run id once dequeued.
type Message struct {
	RunID        string
	OrgID        string
	AttemptCount int
	EnqueuedAt   time.Time
	Priority     int
}

// Queue is the at-least-once delivery contract every dispatcher consumes.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue claims the next visible message under lockOwner, or returns
	// (nil, nil) if none is currently available.
	Dequeue(ctx context.Context, lockOwner string) (*Message, error)
	// Ack removes a message permanently once its run has reached a
	// terminal outcome or been classified Undeliverable.
	Ack(ctx context.Context, runID string) error
	// Nack releases the lock and schedules redelivery after delay,
	// incrementing attempt_count (spec.md §4.5 Retries).
	Nack(ctx context.Context, runID string, delay time.Duration) error
}

// SQLQueue is a Postgres-backed Queue.
type SQLQueue struct {
	db *sqlx.DB
}

func NewSQLQueue(db *sqlx.DB) *SQLQueue {
	return &SQLQueue{db: db}
}

// Enqueue is idempotent on run id: re-enqueuing an already-queued run is a
// no-op rather than a duplicate delivery (spec.md §3 "deduped at the run
// id level").
func (q *SQLQueue) Enqueue(ctx context.Context, msg Message) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO run_queue (run_id, org_id, attempt_count, enqueued_at, visible_at, priority)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (run_id) DO NOTHING
	`, msg.RunID, nullable(msg.OrgID), msg.AttemptCount, msg.EnqueuedAt, msg.Priority)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

func (q *SQLQueue) Dequeue(ctx context.Context, lockOwner string) (*Message, error) {
	var row struct {
		RunID        string         `db:"run_id"`
		OrgID        sql.NullString `db:"org_id"`
		AttemptCount int            `db:"attempt_count"`
		EnqueuedAt   time.Time      `db:"enqueued_at"`
		Priority     int            `db:"priority"`
	}
	err := q.db.GetContext(ctx, &row, `
		UPDATE run_queue SET locked_by = $1, locked_at = now()
		WHERE run_id = (
			SELECT run_id FROM run_queue
			WHERE visible_at <= now() AND locked_by IS NULL
			ORDER BY priority DESC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING run_id, org_id, attempt_count, enqueued_at, priority
	`, lockOwner)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	return &Message{
		RunID:        row.RunID,
		OrgID:        row.OrgID.String,
		AttemptCount: row.AttemptCount,
		EnqueuedAt:   row.EnqueuedAt,
		Priority:     row.Priority,
	}, nil
}

func (q *SQLQueue) Ack(ctx context.Context, runID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM run_queue WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

func (q *SQLQueue) Nack(ctx context.Context, runID string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE run_queue SET locked_by = NULL, locked_at = NULL,
			visible_at = now() + ($2 || ' milliseconds')::interval,
			attempt_count = attempt_count + 1
		WHERE run_id = $1
	`, runID, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
