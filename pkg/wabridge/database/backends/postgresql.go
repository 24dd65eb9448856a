package backends

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgreSQLBackend wraps the PostgreSQL database connection.
type PostgreSQLBackend struct {
	DB     *sql.DB
	Config PostgreSQLConfig

	// Migrator handles schema migrations
	Migrator *PostgreSQLMigrator

	// Health checker
	Health *PostgreSQLHealthChecker

	logger *slog.Logger
}

// PostgreSQLConfig holds PostgreSQL-specific configuration.
type PostgreSQLConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Supabase-specific
	SupabaseURL string
}

// OpenPostgreSQL opens a PostgreSQL database connection.
func OpenPostgreSQL(config PostgreSQLConfig, logger *slog.Logger) (*PostgreSQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Set defaults
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 30 * time.Minute
	}
	if config.ConnMaxIdleTime == 0 {
		config.ConnMaxIdleTime = 5 * time.Minute
	}

	db, err := sql.Open("pgx", buildPostgreSQLDSN(config))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Verify connectivity with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Debug("postgresql backend opened", "host", config.Host, "database", config.Database)

	return &PostgreSQLBackend{
		DB:       db,
		Config:   config,
		Migrator: NewPostgreSQLMigrator(db),
		Health:   NewPostgreSQLHealthChecker(db),
		logger:   logger,
	}, nil
}

// buildPostgreSQLDSN builds the connection string.
func buildPostgreSQLDSN(config PostgreSQLConfig) string {
	// Supabase project URL https://xxx.supabase.co maps to db.xxx.supabase.co.
	if config.SupabaseURL != "" {
		u, err := url.Parse(config.SupabaseURL)
		if err == nil {
			parts := strings.Split(u.Host, ".")
			if len(parts) >= 3 && parts[1] == "supabase" {
				dbHost := fmt.Sprintf("db.%s.%s.%s", parts[0], parts[1], parts[2])
				return fmt.Sprintf("host=%s port=5432 user=postgres password=%s dbname=postgres sslmode=require",
					dbHost, config.Password)
			}
		}
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode)
}

// Close closes the database connection.
func (b *PostgreSQLBackend) Close() error {
	return b.DB.Close()
}

// PostgreSQLMigrator handles schema migrations for PostgreSQL.
type PostgreSQLMigrator struct {
	db *sql.DB
}

// NewPostgreSQLMigrator creates a new PostgreSQL migrator.
func NewPostgreSQLMigrator(db *sql.DB) *PostgreSQLMigrator {
	return &PostgreSQLMigrator{db: db}
}

// CurrentVersion returns the current schema version.
func (m *PostgreSQLMigrator) CurrentVersion(ctx context.Context) (int, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = current_schema()
			AND table_name = 'schema_version'
		)
	`).Scan(&exists)
	if err != nil || !exists {
		return 0, err
	}

	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// Migrate applies the schema up to target (0 means latest).
func (m *PostgreSQLMigrator) Migrate(ctx context.Context, target int) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
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

	if _, err := m.db.ExecContext(ctx, GetPostgreSQLSchema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	_, err = m.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING", SchemaVersion)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// NeedsMigration returns true if schema is outdated.
func (m *PostgreSQLMigrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < SchemaVersion, nil
}

// PostgreSQLHealthChecker monitors PostgreSQL database health.
type PostgreSQLHealthChecker struct {
	db *sql.DB
}

// NewPostgreSQLHealthChecker creates a new health checker.
func NewPostgreSQLHealthChecker(db *sql.DB) *PostgreSQLHealthChecker {
	return &PostgreSQLHealthChecker{db: db}
}

// Ping checks database connectivity.
func (h *PostgreSQLHealthChecker) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Status returns detailed health status.
func (h *PostgreSQLHealthChecker) Status(ctx context.Context) (map[string]any, error) {
	start := time.Now()
	err := h.db.PingContext(ctx)
	latency := time.Since(start)

	if err != nil {
		return map[string]any{
			"healthy": false,
			"error":   err.Error(),
			"latency": latency.String(),
		}, nil
	}

	var version string
	if err := h.db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		version = "unknown"
	}

	stats := h.db.Stats()

	return map[string]any{
		"healthy":    true,
		"version":    version,
		"latency":    latency.String(),
		"open_conns": stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
		"wait_count": stats.WaitCount,
	}, nil
}
