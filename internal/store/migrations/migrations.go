// Package migrations applies the embedded SQLite schema.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// Migrator applies schema migrations to a SQLite database.
type Migrator struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *sql.DB, logger *slog.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger}, nil
}

// Up runs all pending migrations.
func (m *Migrator) Up() error {
	inst, closeSrc, err := m.instance()
	defer closeSrc()
	if err != nil {
		return err
	}
	if err := inst.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := inst.Version()
	if err == nil {
		m.logger.Debug("migrations applied", "version", version, "dirty", dirty)
	}
	return nil
}

// Down reverts all migrations.
func (m *Migrator) Down() error {
	inst, closeSrc, err := m.instance()
	defer closeSrc()
	if err != nil {
		return err
	}
	if err := inst.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

// instance builds a migrate instance over the embedded files. The database
// driver is not closed here since it owns m.db.
func (m *Migrator) instance() (*migrate.Migrate, func(), error) {
	closeSrc := func() {}

	driver, err := migratesqlite.WithInstance(m.db, &migratesqlite.Config{})
	if err != nil {
		return nil, closeSrc, fmt.Errorf("create migrate driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "sql")
	if err != nil {
		return nil, closeSrc, fmt.Errorf("open embedded migrations: %w", err)
	}
	closeSrc = func() {
		if err := src.Close(); err != nil {
			m.logger.Warn("close migration source", "err", err)
		}
	}
	inst, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, closeSrc, fmt.Errorf("create migrate instance: %w", err)
	}
	return inst, closeSrc, nil
}
