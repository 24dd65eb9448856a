// Package credentials keeps each tenant's WhatsApp device keys in its own
// SQLite database under {dir}/tenant_{id}/whatsapp.db.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for device stores.
)

// ErrInvalidTenant is returned for tenant IDs that are not a safe path element.
var ErrInvalidTenant = errors.New("invalid tenant id")

type tenantStore struct {
	db        *sql.DB
	container *sqlstore.Container
}

// Store opens and purges per-tenant device stores.
type Store struct {
	dir    string
	logger *slog.Logger
	waLog  waLog.Logger

	mu     sync.Mutex
	stores map[string]*tenantStore
}

// New creates a credential store rooted at dir. walog receives the
// whatsmeow store logs; nil discards them.
func New(dir string, logger *slog.Logger, walog waLog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if walog == nil {
		walog = waLog.Noop
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "credentials"),
		waLog:  walog,
		stores: make(map[string]*tenantStore),
	}
}

// Path returns the database path for tenantID.
func (s *Store) Path(tenantID string) string {
	return filepath.Join(s.tenantDir(tenantID), "whatsapp.db")
}

func (s *Store) tenantDir(tenantID string) string {
	return filepath.Join(s.dir, "tenant_"+tenantID)
}

// Device returns the tenant's device, creating an unpaired one when no
// credentials exist yet. An unpaired device has a nil ID.
func (s *Store) Device(ctx context.Context, tenantID string) (*store.Device, error) {
	ts, err := s.open(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	device, err := ts.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading device for tenant %s: %w", tenantID, err)
	}
	return device, nil
}

// Paired reports whether the tenant has stored credentials.
func (s *Store) Paired(ctx context.Context, tenantID string) (bool, error) {
	if !validTenant(tenantID) {
		return false, ErrInvalidTenant
	}
	if _, err := os.Stat(s.Path(tenantID)); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	device, err := s.Device(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return device.ID != nil, nil
}

// Purge closes the tenant's store and deletes its directory. Purging a
// tenant without credentials is not an error.
func (s *Store) Purge(ctx context.Context, tenantID string) error {
	if !validTenant(tenantID) {
		return ErrInvalidTenant
	}

	s.mu.Lock()
	ts := s.stores[tenantID]
	delete(s.stores, tenantID)
	s.mu.Unlock()

	var errs []error
	if ts != nil {
		if err := ts.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing device store: %w", err))
		}
	}
	if err := os.RemoveAll(s.tenantDir(tenantID)); err != nil {
		errs = append(errs, fmt.Errorf("removing credentials: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("credentials purged", "tenant", tenantID)
	return nil
}

// Close closes every open tenant store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, ts := range s.stores {
		if err := ts.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store for tenant %s: %w", id, err))
		}
	}
	s.stores = make(map[string]*tenantStore)
	return errors.Join(errs...)
}

func (s *Store) open(ctx context.Context, tenantID string) (*tenantStore, error) {
	if !validTenant(tenantID) {
		return nil, ErrInvalidTenant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.stores[tenantID]; ok {
		return ts, nil
	}

	if err := os.MkdirAll(s.tenantDir(tenantID), 0700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}

	db, err := sql.Open("sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", s.Path(tenantID)))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", s.waLog.Sub(tenantID))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrading device store: %w", err)
	}

	ts := &tenantStore{db: db, container: container}
	s.stores[tenantID] = ts
	return ts, nil
}

func validTenant(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}
