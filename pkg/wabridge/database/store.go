package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/database/backends"
)

// StoreOptions tunes a Store.
type StoreOptions struct {
	// RetryDelay is the base of the linear busy backoff (attempt n waits n*RetryDelay).
	RetryDelay time.Duration

	// RetryAttempts bounds the busy retries.
	RetryAttempts int

	Logger *slog.Logger
}

// Store implements the bridge's record repositories over database/sql.
// Queries are written with '?' placeholders and rebound for PostgreSQL.
type Store struct {
	db      *sql.DB
	backend BackendType
	opts    StoreOptions
	logger  *slog.Logger
}

// NewStore wraps an open database.
func NewStore(db *sql.DB, backend BackendType, opts StoreOptions) *Store {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "records"),
	}
}

// q rebinds a '?' query for the active backend.
func (s *Store) q(query string) string {
	if s.backend != BackendPostgreSQL {
		return query
	}
	return rebind(query)
}

// rebind converts '?' placeholders to PostgreSQL's $n form.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withRetry runs fn, retrying SQLITE_BUSY/SQLITE_LOCKED failures with a
// linear backoff. Other errors return immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.opts.RetryAttempts; attempt++ {
		err = fn()
		if err == nil || !backends.IsBusy(err) {
			return err
		}
		if attempt == s.opts.RetryAttempts {
			break
		}

		wait := time.Duration(attempt) * s.opts.RetryDelay
		s.logger.Warn("database busy, retrying", "op", op, "attempt", attempt, "wait", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: database still busy after %d attempts: %w", op, s.opts.RetryAttempts, err)
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: toMillis(t), Valid: !t.IsZero()}
}
