// Package storage opens the orchestrator's SQLite database and applies the
// embedded schema migrations.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Type string // "sqlite"
	Path string
}

// DB is the shared database handle used by the registry and entitlement stores.
type DB struct {
	*sql.DB
	cfg *DatabaseConfig
}

// ParseDatabaseURN parses a database URN string
func ParseDatabaseURN(urn string) (*DatabaseConfig, error) {
	if urn == "" {
		return &DatabaseConfig{
			Type: "sqlite",
			Path: defaultDatabasePath(),
		}, nil
	}

	// sqlite:///absolute/path or sqlite://relative/path
	if strings.HasPrefix(urn, "sqlite://") {
		path := strings.TrimPrefix(urn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite URN has no path: %s", urn)
		}
		if strings.HasPrefix(path, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}
		return &DatabaseConfig{Type: "sqlite", Path: path}, nil
	}

	return nil, fmt.Errorf("unsupported database URN: %s (supported: sqlite://)", urn)
}

// defaultDatabasePath returns the default SQLite database path
func defaultDatabasePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./botfleet.db"
	}
	dir := filepath.Join(homeDir, ".botfleet")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "./botfleet.db"
	}
	return filepath.Join(dir, "botfleet.db")
}

// dsn builds a modernc DSN. Pragmas go in the DSN so that every pooled
// connection gets them, foreign_keys in particular.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open creates the database file if needed, configures it and runs migrations.
func Open(ctx context.Context, cfg *DatabaseConfig) (*DB, error) {
	if cfg.Type != "sqlite" {
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	d := &DB{DB: db, cfg: cfg}
	if err := d.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

// Migrate applies all pending migrations.
func (d *DB) Migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(d.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.cfg.Path
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// InTx runs fn inside a transaction, rolling back on error.
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// Millis converts t to the integer timestamp stored in every table.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a stored timestamp back to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
