package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jholhewres/wabridge/pkg/wabridge/database/backends"
)

// SQLiteFactory creates SQLite backends.
type SQLiteFactory struct{}

// Create creates a new SQLite backend with the given configuration.
func (f *SQLiteFactory) Create(config Config) (*Backend, error) {
	if config.Type != BackendSQLite {
		return nil, fmt.Errorf("sqlite factory cannot create %s backend", config.Type)
	}

	sqliteBackend, err := backends.OpenSQLite(backends.SQLiteConfig{
		Path:        config.Path,
		JournalMode: config.JournalMode,
		BusyTimeout: config.BusyTimeout,
		ForeignKeys: true,
	})
	if err != nil {
		return nil, err
	}

	return &Backend{
		Type:     BackendSQLite,
		DB:       sqliteBackend.DB,
		Config:   config,
		Migrator: sqliteBackend.Migrator,
		Health:   &healthWrapper{sqliteBackend.Health},
	}, nil
}

// PostgreSQLFactory creates PostgreSQL backends.
type PostgreSQLFactory struct {
	logger *slog.Logger
}

// NewPostgreSQLFactory creates a new PostgreSQL factory.
func NewPostgreSQLFactory(logger *slog.Logger) *PostgreSQLFactory {
	return &PostgreSQLFactory{logger: logger}
}

// Create creates a new PostgreSQL backend with the given configuration.
func (f *PostgreSQLFactory) Create(config Config) (*Backend, error) {
	if config.Type != BackendPostgreSQL {
		return nil, fmt.Errorf("postgresql factory cannot create %s backend", config.Type)
	}

	pgBackend, err := backends.OpenPostgreSQL(backends.PostgreSQLConfig{
		Host:            config.Host,
		Port:            config.Port,
		Database:        config.Database,
		User:            config.User,
		Password:        config.Password,
		SSLMode:         config.SSLMode,
		MaxOpenConns:    config.MaxOpenConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime,
		SupabaseURL:     config.SupabaseURL,
	}, f.logger)
	if err != nil {
		return nil, err
	}

	return &Backend{
		Type:     BackendPostgreSQL,
		DB:       pgBackend.DB,
		Config:   config,
		Migrator: pgBackend.Migrator,
		Health:   &healthWrapper{pgBackend.Health},
	}, nil
}

// statusReporter is satisfied by both backend health checkers.
type statusReporter interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) (map[string]any, error)
}

// healthWrapper adapts the backends' map-based status to HealthStatus.
type healthWrapper struct {
	h statusReporter
}

func (w *healthWrapper) Ping(ctx context.Context) error {
	return w.h.Ping(ctx)
}

func (w *healthWrapper) Status(ctx context.Context) HealthStatus {
	status, err := w.h.Status(ctx)
	if err != nil {
		return HealthStatus{Healthy: false, Error: err.Error()}
	}

	healthy, _ := status["healthy"].(bool)
	version, _ := status["version"].(string)
	errMsg, _ := status["error"].(string)
	open, _ := status["open_conns"].(int)
	inUse, _ := status["in_use"].(int)
	idle, _ := status["idle"].(int)
	waits, _ := status["wait_count"].(int64)

	return HealthStatus{
		Healthy:         healthy,
		Version:         version,
		Error:           errMsg,
		OpenConnections: open,
		InUse:           inUse,
		Idle:            idle,
		WaitCount:       waits,
	}
}
