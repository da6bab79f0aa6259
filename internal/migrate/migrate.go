// Package migrate applies the goose migrations under migrations/ to the
// Postgres database used by the postgres broker backend.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose"
)

// DefaultDir is where the SQL migrations live relative to the repository root.
const DefaultDir = "migrations"

var log = slog.Default()

// Migrator runs goose commands against one database.
type Migrator struct {
	db  *sql.DB
	dir string
}

// Open connects to dsn through pgx's database/sql driver.
func Open(ctx context.Context, dsn, dir string) (*Migrator, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("goose dialect: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Migrator{db: db, dir: dir}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := goose.Up(m.db, m.dir); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, err := m.Version()
	if err != nil {
		return err
	}
	log.Info("database schema up to date", "version", version)
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down() error {
	if err := goose.Down(m.db, m.dir); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Status prints the applied/pending state of every migration.
func (m *Migrator) Status() error {
	if err := goose.Status(m.db, m.dir); err != nil {
		return fmt.Errorf("migrate status: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func (m *Migrator) Version() (int64, error) {
	v, err := goose.GetDBVersion(m.db)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

func (m *Migrator) Close() error {
	return m.db.Close()
}

// Up is a shortcut for Open + Up + Close.
func Up(ctx context.Context, dsn, dir string) error {
	m, err := Open(ctx, dsn, dir)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}
