package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// DelayedSchema is the DDL for "run at T" submissions (spec.md §4.7
// "Delayed requests"), mirroring the run_queue table's visible_at sweep
// shape rather than introducing a new storage mechanism.
const DelayedSchema = `
CREATE TABLE IF NOT EXISTS delayed_runs (
	run_id  TEXT PRIMARY KEY,
	org_id  TEXT NULL,
	fire_at TIMESTAMPTZ NOT NULL,
	fired   BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS delayed_runs_due_idx ON delayed_runs (fire_at) WHERE fired = false;
`

// DelayedRun is one due "run at T" submission.
type DelayedRun struct {
	RunID string
	OrgID string
}

// DelayedStore is the durable table the scheduler sweeps every tick.
type DelayedStore interface {
	Schedule(ctx context.Context, runID, orgID string, fireAt time.Time) error
	DueSince(ctx context.Context, now time.Time) ([]DelayedRun, error)
	MarkFired(ctx context.Context, runID string) error
}

type SQLDelayedStore struct {
	db *sqlx.DB
}

func NewSQLDelayedStore(db *sqlx.DB) *SQLDelayedStore {
	return &SQLDelayedStore{db: db}
}

func (s *SQLDelayedStore) Schedule(ctx context.Context, runID, orgID string, fireAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delayed_runs (run_id, org_id, fire_at) VALUES ($1,$2,$3)
		ON CONFLICT (run_id) DO UPDATE SET fire_at = EXCLUDED.fire_at, fired = false
	`, runID, nullable(orgID), fireAt)
	if err != nil {
		return fmt.Errorf("scheduler: schedule delayed run: %w", err)
	}
	return nil
}

func (s *SQLDelayedStore) DueSince(ctx context.Context, now time.Time) ([]DelayedRun, error) {
	var rows []struct {
		RunID string `db:"run_id"`
		OrgID string `db:"org_id"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT run_id, COALESCE(org_id, '') AS org_id FROM delayed_runs
		WHERE fired = false AND fire_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("scheduler: due delayed runs: %w", err)
	}
	out := make([]DelayedRun, len(rows))
	for i, r := range rows {
		out[i] = DelayedRun{RunID: r.RunID, OrgID: r.OrgID}
	}
	return out, nil
}

func (s *SQLDelayedStore) MarkFired(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delayed_runs SET fired = true WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("scheduler: mark fired: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
