package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/r3e-network/execengine/domain/logrecord"
	"github.com/r3e-network/execengine/domain/run"
	"github.com/r3e-network/execengine/pkg/execerr"
)

// ListFilters narrows Store.List; zero values mean "don't filter on this".
type ListFilters struct {
	OrgID  string
	Status run.Status
	Limit  int
}

// Store is the C8 Run Registry contract of spec.md §4.8.
type Store interface {
	Create(ctx context.Context, r *run.Run) error
	TransitionStatus(ctx context.Context, runID string, to run.Status) error
	AppendLogs(ctx context.Context, batch []logrecord.Record) error
	RecordOutcome(ctx context.Context, runID string, result []byte, runErr *execerr.Error, resources run.ResourceUsage) error
	Get(ctx context.Context, runID string) (*run.Run, error)
	List(ctx context.Context, filters ListFilters) ([]run.Run, error)
	CancelRequest(ctx context.Context, runID, reason string) error
	// AssignPool records which pool is currently executing runID, so the
	// scheduler's stuck-run sweep can resolve the right heartbeat entry
	// (spec.md §4.7).
	AssignPool(ctx context.Context, runID, poolID string) error
	// ListLogs returns persisted records for runID with sequence >=
	// fromSequence, ordered by sequence, letting a late subscriber
	// reconcile history before attaching to live pub/sub (spec.md §6).
	ListLogs(ctx context.Context, runID string, fromSequence uint64) ([]logrecord.Record, error)
}

// SQLStore is a sqlx/Postgres-backed Store.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Create(ctx context.Context, r *run.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, org_id, requester_id, workflow_id, module_path, function_name,
			inline_code, inline_code_blob_id, inputs, inputs_blob_ref,
			enqueued_at, status, attempt_count, priority, deadline_ms, memory_limit_bytes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, r.ID, nullable(r.OrgID), r.RequesterID, nullable(r.Target.WorkflowID), nullable(r.Target.ModulePath),
		nullable(r.Target.FunctionName), nullable(r.Target.InlineCode), nullable(r.Target.InlineCodeID),
		r.Inputs, nullable(r.InputsBlobRef), r.EnqueuedAt, string(r.Status), r.AttemptCount, r.Priority,
		r.DeadlineMS, r.MemoryLimitBytes)
	if err != nil {
		return fmt.Errorf("registry: create: %w", err)
	}
	return nil
}

// TransitionStatus loads the current status under a row lock, validates
// the edge through run.CanTransition, and writes the new status plus the
// started_at/completed_at stamps the transition implies
// (spec.md §4.8 "transition_status enforces the status machine").
func (s *SQLStore) TransitionStatus(ctx context.Context, runID string, to run.Status) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: transition: begin: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.GetContext(ctx, &current, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID); err != nil {
		if err == sql.ErrNoRows {
			return execerr.New(execerr.KindIllegalTransition, "run not found: "+runID)
		}
		return fmt.Errorf("registry: transition: select: %w", err)
	}

	from := run.Status(current)
	if from == to {
		return tx.Commit()
	}
	if from.IsTerminal() || !run.CanTransition(from, to) {
		return execerr.New(execerr.KindIllegalTransition,
			fmt.Sprintf("illegal transition %s -> %s for run %s", from, to, runID))
	}

	switch to {
	case run.StatusRunning:
		_, err = tx.ExecContext(ctx, `UPDATE runs SET status = $1, started_at = now() WHERE id = $2`, string(to), runID)
	case run.StatusSuccess, run.StatusFailed, run.StatusPartial, run.StatusTimeout, run.StatusCancelled:
		_, err = tx.ExecContext(ctx, `UPDATE runs SET status = $1, completed_at = now() WHERE id = $2`, string(to), runID)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE runs SET status = $1 WHERE id = $2`, string(to), runID)
	}
	if err != nil {
		return fmt.Errorf("registry: transition: update: %w", err)
	}
	return tx.Commit()
}

// AppendLogs treats an empty batch as a no-op; any other batch must be
// sorted and continue exactly from the run's current max sequence (gap-free,
// strictly increasing sequence numbers per run id).
func (s *SQLStore) AppendLogs(ctx context.Context, batch []logrecord.Record) error {
	if len(batch) == 0 {
		return nil
	}
	runID := batch[0].RunID

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: append_logs: begin: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.GetContext(ctx, &maxSeq, `SELECT MAX(sequence) FROM run_logs WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("registry: append_logs: max sequence: %w", err)
	}
	expected := uint64(1)
	if maxSeq.Valid {
		expected = uint64(maxSeq.Int64) + 1
	}

	for _, rec := range batch {
		if rec.RunID != runID {
			return execerr.New(execerr.KindIllegalTransition, "append_logs: batch spans multiple run ids")
		}
		if rec.Sequence != expected {
			return execerr.New(execerr.KindIllegalTransition,
				fmt.Sprintf("append_logs: expected sequence %d, got %d for run %s", expected, rec.Sequence, runID))
		}
		var data []byte
		if rec.Data != nil {
			data, _ = json.Marshal(rec.Data)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_logs (run_id, sequence, severity, source, message, timestamp, data)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, rec.RunID, int64(rec.Sequence), string(rec.Severity), string(rec.Source), rec.Message, rec.Timestamp, data)
		if err != nil {
			return fmt.Errorf("registry: append_logs: insert seq %d: %w", rec.Sequence, err)
		}
		expected++
	}
	return tx.Commit()
}

func (s *SQLStore) RecordOutcome(ctx context.Context, runID string, result []byte, runErr *execerr.Error, resources run.ResourceUsage) error {
	var kind, msg sql.NullString
	if runErr != nil {
		kind = sql.NullString{String: string(runErr.Kind), Valid: true}
		msg = sql.NullString{String: runErr.Message, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			result = $1, error_kind = $2, error_message = $3,
			peak_memory_bytes = $4, cpu_seconds = $5, duration_ms = $6, ai_tokens = $7
		WHERE id = $8
	`, result, kind, msg, resources.PeakMemoryBytes, resources.CPUSeconds, resources.DurationMS, resources.AITokens, runID)
	if err != nil {
		return fmt.Errorf("registry: record_outcome: %w", err)
	}
	return nil
}

type runRow struct {
	ID                string         `db:"id"`
	OrgID             sql.NullString `db:"org_id"`
	RequesterID       string         `db:"requester_id"`
	WorkflowID        sql.NullString `db:"workflow_id"`
	ModulePath        sql.NullString `db:"module_path"`
	FunctionName      sql.NullString `db:"function_name"`
	InlineCode        sql.NullString `db:"inline_code"`
	InlineCodeBlobID  sql.NullString `db:"inline_code_blob_id"`
	Inputs            []byte         `db:"inputs"`
	InputsBlobRef     sql.NullString `db:"inputs_blob_ref"`
	EnqueuedAt        time.Time      `db:"enqueued_at"`
	StartedAt         sql.NullTime   `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	Status            string         `db:"status"`
	Result            []byte         `db:"result"`
	ErrorKind         sql.NullString `db:"error_kind"`
	ErrorMessage      sql.NullString `db:"error_message"`
	LogsRef           sql.NullString `db:"logs_ref"`
	PeakMemoryBytes   int64          `db:"peak_memory_bytes"`
	CPUSeconds        float64        `db:"cpu_seconds"`
	DurationMS        int64          `db:"duration_ms"`
	AITokens          int64          `db:"ai_tokens"`
	CancellationReason sql.NullString `db:"cancellation_reason"`
	AttemptCount      int            `db:"attempt_count"`
	Priority          int            `db:"priority"`
	DeadlineMS        int64          `db:"deadline_ms"`
	MemoryLimitBytes  int64          `db:"memory_limit_bytes"`
	PoolOwner         sql.NullString `db:"pool_owner"`
}

func (row runRow) toRun() run.Run {
	r := run.Run{
		ID:          row.ID,
		OrgID:       row.OrgID.String,
		RequesterID: row.RequesterID,
		Target: run.Target{
			WorkflowID:   row.WorkflowID.String,
			ModulePath:   row.ModulePath.String,
			FunctionName: row.FunctionName.String,
			InlineCode:   row.InlineCode.String,
			InlineCodeID: row.InlineCodeBlobID.String,
		},
		Inputs:             row.Inputs,
		InputsBlobRef:      row.InputsBlobRef.String,
		EnqueuedAt:         row.EnqueuedAt,
		Status:             run.Status(row.Status),
		Result:             row.Result,
		LogsRef:            row.LogsRef.String,
		CancellationReason: row.CancellationReason.String,
		AttemptCount:       row.AttemptCount,
		Priority:           row.Priority,
		DeadlineMS:         row.DeadlineMS,
		MemoryLimitBytes:   row.MemoryLimitBytes,
		PoolOwner:          row.PoolOwner.String,
		Resources: run.ResourceUsage{
			PeakMemoryBytes: row.PeakMemoryBytes,
			CPUSeconds:      row.CPUSeconds,
			DurationMS:      row.DurationMS,
			AITokens:        row.AITokens,
		},
	}
	if row.StartedAt.Valid {
		r.StartedAt = row.StartedAt.Time
	}
	if row.CompletedAt.Valid {
		r.CompletedAt = row.CompletedAt.Time
	}
	if row.ErrorKind.Valid {
		r.Error = execerr.New(execerr.Kind(row.ErrorKind.String), row.ErrorMessage.String)
	}
	return r
}

func (s *SQLStore) Get(ctx context.Context, runID string) (*run.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = $1`, runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get: %w", err)
	}
	r := row.toRun()
	return &r, nil
}

func (s *SQLStore) List(ctx context.Context, filters ListFilters) ([]run.Run, error) {
	query := `SELECT * FROM runs WHERE 1=1`
	args := []any{}
	if filters.OrgID != "" {
		args = append(args, filters.OrgID)
		query += fmt.Sprintf(" AND org_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY enqueued_at DESC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	runs := make([]run.Run, len(rows))
	for i, row := range rows {
		runs[i] = row.toRun()
	}
	return runs, nil
}

func (s *SQLStore) ListLogs(ctx context.Context, runID string, fromSequence uint64) ([]logrecord.Record, error) {
	var rows []struct {
		Sequence  int64          `db:"sequence"`
		Severity  string         `db:"severity"`
		Source    string         `db:"source"`
		Message   string         `db:"message"`
		Timestamp time.Time      `db:"timestamp"`
		Data      []byte         `db:"data"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT sequence, severity, source, message, timestamp, data
		FROM run_logs WHERE run_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
	`, runID, int64(fromSequence))
	if err != nil {
		return nil, fmt.Errorf("registry: list_logs: %w", err)
	}
	out := make([]logrecord.Record, len(rows))
	for i, r := range rows {
		rec := logrecord.Record{
			RunID:     runID,
			Sequence:  uint64(r.Sequence),
			Severity:  logrecord.Severity(r.Severity),
			Source:    logrecord.Source(r.Source),
			Message:   r.Message,
			Timestamp: r.Timestamp,
		}
		if len(r.Data) > 0 {
			_ = json.Unmarshal(r.Data, &rec.Data)
		}
		out[i] = rec
	}
	return out, nil
}

func (s *SQLStore) AssignPool(ctx context.Context, runID, poolID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET pool_owner = $1 WHERE id = $2`, nullable(poolID), runID)
	if err != nil {
		return fmt.Errorf("registry: assign_pool: %w", err)
	}
	return nil
}

func (s *SQLStore) CancelRequest(ctx context.Context, runID, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET cancellation_reason = $1 WHERE id = $2`, reason, runID)
	if err != nil {
		return fmt.Errorf("registry: cancel_request: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
