// Package backends provides database backend implementations.
package backends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

// SQLiteBackend wraps the SQLite database connection with additional functionality.
type SQLiteBackend struct {
	DB     *sql.DB
	Config SQLiteConfig

	// Migrator handles schema migrations
	Migrator *SQLiteMigrator

	// Health checker
	Health *SQLiteHealthChecker
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int
	ForeignKeys bool
}

// OpenSQLite opens or creates a SQLite database with the given configuration.
func OpenSQLite(config SQLiteConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		config.Path = "./data/wabridge.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	// Ensure parent directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	// Transactions start with BEGIN IMMEDIATE so read-then-write sequences
	// (rate limit reservations, event toggles) hold the write lock from the
	// first statement.
	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d&_txlock=immediate",
		config.Path, config.JournalMode, config.BusyTimeout)
	if config.ForeignKeys {
		dsn += "&_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}

	// Verify connectivity
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteBackend{
		DB:       db,
		Config:   config,
		Migrator: NewSQLiteMigrator(db),
		Health:   NewSQLiteHealthChecker(db),
	}, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.DB.Close()
}

// SQLiteMigrator handles schema migrations for SQLite.
type SQLiteMigrator struct {
	db *sql.DB
}

// NewSQLiteMigrator creates a new SQLite migrator.
func NewSQLiteMigrator(db *sql.DB) *SQLiteMigrator {
	return &SQLiteMigrator{db: db}
}

// CurrentVersion returns the current schema version.
func (m *SQLiteMigrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		// Table might not exist yet
		if errors.Is(err, sql.ErrNoRows) || isNoSuchTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// Migrate applies the schema. Every statement is idempotent, so running it
// against an up-to-date database is a no-op apart from the version check.
func (m *SQLiteMigrator) Migrate(ctx context.Context, target int) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if target == 0 {
		target = SchemaVersion
	}
	if current >= target {
		return nil
	}

	if _, err := m.db.ExecContext(ctx, GetSQLiteSchema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	_, err = m.db.ExecContext(ctx, "INSERT OR IGNORE INTO schema_version (version) VALUES (?)", SchemaVersion)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// NeedsMigration returns true if schema is outdated.
func (m *SQLiteMigrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < SchemaVersion, nil
}

// SQLiteHealthChecker monitors SQLite database health.
type SQLiteHealthChecker struct {
	db *sql.DB
}

// NewSQLiteHealthChecker creates a new health checker.
func NewSQLiteHealthChecker(db *sql.DB) *SQLiteHealthChecker {
	return &SQLiteHealthChecker{db: db}
}

// Ping checks database connectivity.
func (h *SQLiteHealthChecker) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Status returns detailed health status.
func (h *SQLiteHealthChecker) Status(ctx context.Context) (map[string]any, error) {
	stats := h.db.Stats()

	var version string
	if err := h.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		version = "unknown"
	}

	return map[string]any{
		"healthy":    true,
		"version":    version,
		"open_conns": stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
		"wait_count": stats.WaitCount,
	}, nil
}

// IsBusy reports whether err is a transient SQLITE_BUSY or SQLITE_LOCKED
// condition that is worth retrying.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isNoSuchTable(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrError
}
