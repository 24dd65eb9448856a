package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Hub owns the database backends and hands out the record Store bound to
// the primary one.
type Hub struct {
	// backends stores all registered database backends by name
	backends map[string]*Backend

	// primary is the name of the default backend
	primary string

	config HubConfig
	logger *slog.Logger

	// mu protects concurrent access to backends
	mu sync.RWMutex

	// factories stores registered backend factories by type
	factories map[BackendType]BackendFactory
}

// NewHub creates a new Database Hub with the given configuration.
func NewHub(config HubConfig, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := config.Effective()
	hub := &Hub{
		backends:  make(map[string]*Backend),
		factories: make(map[BackendType]BackendFactory),
		config:    cfg,
		logger:    logger.With("component", "database"),
	}

	hub.RegisterFactory(BackendSQLite, &SQLiteFactory{})
	hub.RegisterFactory(BackendPostgreSQL, NewPostgreSQLFactory(hub.logger))

	primaryConfig, err := hub.getPrimaryConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("get primary config: %w", err)
	}

	if err := hub.AddBackend("primary", primaryConfig); err != nil {
		return nil, fmt.Errorf("create primary backend: %w", err)
	}
	hub.primary = "primary"

	return hub, nil
}

// getPrimaryConfig extracts the configuration for the primary backend.
func (h *Hub) getPrimaryConfig(cfg HubConfig) (Config, error) {
	switch cfg.Backend {
	case BackendSQLite:
		return cfg.SQLite.ToConfig(), nil
	case BackendPostgreSQL:
		return cfg.PostgreSQL.ToConfig(), nil
	default:
		return Config{}, fmt.Errorf("unsupported backend type: %s", cfg.Backend)
	}
}

// RegisterFactory registers a backend factory for a specific backend type.
func (h *Hub) RegisterFactory(backendType BackendType, factory BackendFactory) {
	h.factories[backendType] = factory
}

// AddBackend creates and registers a new database backend.
func (h *Hub) AddBackend(name string, config Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.backends[name]; exists {
		return fmt.Errorf("backend %q already exists", name)
	}

	factory, ok := h.factories[config.Type]
	if !ok {
		return fmt.Errorf("no factory registered for backend type: %s", config.Type)
	}

	backend, err := factory.Create(config)
	if err != nil {
		return fmt.Errorf("create backend %q: %w", name, err)
	}

	backend.Name = name
	h.backends[name] = backend

	h.logger.Info("database backend registered", "name", name, "type", config.Type)
	return nil
}

// Primary returns the primary database backend.
func (h *Hub) Primary() *Backend {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.backends[h.primary]
}

// Store returns a record store bound to the primary backend.
func (h *Hub) Store() *Store {
	backend := h.Primary()
	return NewStore(backend.DB, backend.Type, StoreOptions{
		RetryDelay:    h.config.RetryDelay,
		RetryAttempts: h.config.RetryAttempts,
		Logger:        h.logger,
	})
}

// Status returns the health status of all backends.
func (h *Hub) Status(ctx context.Context) map[string]HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := make(map[string]HealthStatus)
	for name, backend := range h.backends {
		if backend.Health != nil {
			status[name] = backend.Health.Status(ctx)
		} else {
			status[name] = HealthStatus{Healthy: false, Error: "health checker not available"}
		}
	}
	return status
}

// Ping checks the primary backend.
func (h *Hub) Ping(ctx context.Context) error {
	backend := h.Primary()
	if backend == nil || backend.Health == nil {
		return fmt.Errorf("primary backend not available")
	}
	return backend.Health.Ping(ctx)
}

// Migrate runs migrations on the primary backend.
func (h *Hub) Migrate(ctx context.Context, target int) error {
	backend := h.Primary()
	if backend == nil {
		return fmt.Errorf("primary backend not available")
	}
	if backend.Migrator == nil {
		return fmt.Errorf("migrator not available for backend %q", backend.Name)
	}
	return backend.Migrator.Migrate(ctx, target)
}

// Close closes all database connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, backend := range h.backends {
		if err := backend.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend %q: %w", name, err))
		}
		h.logger.Debug("database backend closed", "name", name)
	}
	h.backends = make(map[string]*Backend)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing backends: %v", errs)
	}
	return nil
}
