// Package migrations applies the engine's schema through golang-migrate,
// embedding the SQL files and driving a real golang-migrate Migrator
// instead of replaying the files by hand.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed sql/*.sql
var files embed.FS

// Apply runs every embedded migration against db in version order. The DDL
// mirrors the Schema consts in internal/registry and internal/queue and
// DelayedSchema in internal/scheduler; no test references those consts.
func Apply(db *sqlx.DB) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: postgres driver: %w", err)
	}
	src, err := iofs.New(files, "sql")
	if err != nil {
		return fmt.Errorf("migrations: source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
