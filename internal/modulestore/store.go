// Package modulestore implements the Module Store & Cache (spec.md §4.1,
// component C1): an org-scoped content-addressed store for user code with a
// cascading org -> global, in-memory + shared cache in front of it.
package modulestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/r3e-network/execengine/domain/module"
)

// DurableStore is the durable backing for module records, matching the
// "Module storage layout" table in spec.md §6: uniqueness on (org_id, path)
// where NULL org is a distinct value from any concrete org.
type DurableStore interface {
	Put(ctx context.Context, rec module.Record) error
	Delete(ctx context.Context, orgID, path string) error
	Get(ctx context.Context, orgID, path string) (*module.Record, error)
	List(ctx context.Context, orgID, prefix string) ([]string, error)
	ListAll(ctx context.Context) ([]module.Record, error)
}

// SQLStore is a sqlx/Postgres-backed DurableStore. NULL org_id represents
// the global scope; the unique index coalesces a NULL org_id to the empty string, so a
// path has at most one global row, which coexists with org-scoped rows for
// the same path.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Schema is the DDL for the module table. None of the embedded migrations
// in internal/migrations creates this table, and no code in this
// repository executes Schema.
const Schema = `
CREATE TABLE IF NOT EXISTS modules (
	org_id       TEXT NULL,
	path         TEXT NOT NULL,
	content      BYTEA NOT NULL,
	content_hash TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	is_deleted   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS modules_org_path_uq ON modules (COALESCE(org_id, ''), path);
`

func orgKey(orgID string) any {
	if orgID == module.GlobalOrg {
		return nil
	}
	return orgID
}

func (s *SQLStore) Put(ctx context.Context, rec module.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modules (org_id, path, content, content_hash, entity_type, updated_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (COALESCE(org_id, ''), path) DO UPDATE SET
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			entity_type = EXCLUDED.entity_type,
			updated_at = EXCLUDED.updated_at,
			is_deleted = FALSE
	`, orgKey(rec.OrgID), rec.Path, rec.Content, rec.ContentHash, string(rec.EntityType), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("modulestore: put: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, orgID, path string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE modules SET is_deleted = TRUE, updated_at = now()
		WHERE COALESCE(org_id, '') = COALESCE($1, '') AND path = $2
	`, orgKey(orgID), path)
	if err != nil {
		return fmt.Errorf("modulestore: delete: %w", err)
	}
	return nil
}

type moduleRow struct {
	OrgID       sql.NullString `db:"org_id"`
	Path        string         `db:"path"`
	Content     []byte         `db:"content"`
	ContentHash string         `db:"content_hash"`
	EntityType  string         `db:"entity_type"`
	UpdatedAt   time.Time      `db:"updated_at"`
	IsDeleted   bool           `db:"is_deleted"`
}

func (row moduleRow) toRecord() module.Record {
	org := module.GlobalOrg
	if row.OrgID.Valid {
		org = row.OrgID.String
	}
	return module.Record{
		OrgID:       org,
		Path:        row.Path,
		Content:     row.Content,
		ContentHash: row.ContentHash,
		EntityType:  module.EntityType(row.EntityType),
		UpdatedAt:   row.UpdatedAt,
		IsDeleted:   row.IsDeleted,
	}
}

func (s *SQLStore) Get(ctx context.Context, orgID, path string) (*module.Record, error) {
	var row moduleRow
	err := s.db.GetContext(ctx, &row, `
		SELECT org_id, path, content, content_hash, entity_type, updated_at, is_deleted
		FROM modules
		WHERE COALESCE(org_id, '') = COALESCE($1, '') AND path = $2 AND is_deleted = FALSE
	`, orgKey(orgID), path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("modulestore: get: %w", err)
	}
	rec := row.toRecord()
	return &rec, nil
}

func (s *SQLStore) List(ctx context.Context, orgID, prefix string) ([]string, error) {
	var paths []string
	err := s.db.SelectContext(ctx, &paths, `
		SELECT path FROM modules
		WHERE COALESCE(org_id, '') = COALESCE($1, '') AND path LIKE $2 AND is_deleted = FALSE
		ORDER BY path
	`, orgKey(orgID), prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("modulestore: list: %w", err)
	}
	return paths, nil
}

func (s *SQLStore) ListAll(ctx context.Context) ([]module.Record, error) {
	var rows []moduleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT org_id, path, content, content_hash, entity_type, updated_at, is_deleted
		FROM modules WHERE is_deleted = FALSE
	`)
	if err != nil {
		return nil, fmt.Errorf("modulestore: list all: %w", err)
	}
	recs := make([]module.Record, len(rows))
	for i, r := range rows {
		recs[i] = r.toRecord()
	}
	return recs, nil
}
