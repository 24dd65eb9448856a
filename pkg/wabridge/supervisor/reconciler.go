// Package supervisor drives live connections toward the desired state held
// in the session records, and runs the daemon's long-lived services under a
// suture tree.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/database"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
)

// SessionLister lists every tenant session record.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]database.Session, error)
}

// Sessions is the part of the session manager the reconciler drives.
type Sessions interface {
	Connect(ctx context.Context, tenantID string) (*session.Handle, error)
	Logout(ctx context.Context, tenantID string) error
	Live(tenantID string) bool
}

// Ticker delivers reconcile ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker returns a Ticker backed by time.Ticker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// ReconcilerConfig holds reconciler settings.
type ReconcilerConfig struct {
	// Interval between reconcile passes.
	Interval time.Duration `yaml:"interval"`
}

// DefaultReconcilerConfig returns a 5s interval.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{Interval: 5 * time.Second}
}

// Reconciler compares session records with the live registry on every tick.
// PENDING and ACTIVE tenants without a connection are connected,
// DISCONNECTED tenants with one are logged out. ERROR tenants wait for a
// manual re-init.
type Reconciler struct {
	records   SessionLister
	sessions  Sessions
	config    ReconcilerConfig
	newTicker func(time.Duration) Ticker
	logger    *slog.Logger

	// inflight tracks the asynchronous connect and logout calls.
	inflight sync.WaitGroup
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithTicker replaces the tick source.
func WithTicker(newTicker func(time.Duration) Ticker) ReconcilerOption {
	return func(r *Reconciler) { r.newTicker = newTicker }
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg ReconcilerConfig, records SessionLister, sessions Sessions, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcilerConfig().Interval
	}
	r := &Reconciler{
		records:   records,
		sessions:  sessions,
		config:    cfg,
		newTicker: NewTimeTicker,
		logger:    logger.With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Serve implements suture.Service. It reconciles once immediately and then
// on every tick until ctx is done.
func (r *Reconciler) Serve(ctx context.Context) error {
	ticker := r.newTicker(r.config.Interval)
	defer ticker.Stop()
	defer r.inflight.Wait()

	r.logger.Info("reconciler started", "interval", r.config.Interval)
	for {
		if err := r.Reconcile(ctx); err != nil {
			r.logger.Error("reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// String implements fmt.Stringer for suture logs.
func (r *Reconciler) String() string { return "session-reconciler" }

// Reconcile runs a single pass. Connect and Logout calls are started in
// their own goroutines and not awaited, so one slow tenant never delays the
// rest. Only a failure to list sessions is returned.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	sessions, err := r.records.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	for _, sess := range sessions {
		tenantID := sess.TenantID
		live := r.sessions.Live(tenantID)

		switch {
		case (sess.State == database.StatePending || sess.State == database.StateActive) && !live:
			r.logger.Info("connecting tenant", "tenant", tenantID, "state", string(sess.State))
			r.async(func() {
				if _, err := r.sessions.Connect(ctx, tenantID); err != nil {
					r.logger.Warn("connect failed", "tenant", tenantID, "error", err)
				}
			})

		case sess.State == database.StateDisconnected && live:
			r.logger.Info("disconnecting tenant", "tenant", tenantID)
			r.async(func() {
				if err := r.sessions.Logout(ctx, tenantID); err != nil {
					r.logger.Warn("logout failed", "tenant", tenantID, "error", err)
				}
			})
		}
	}
	return nil
}

func (r *Reconciler) async(fn func()) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		fn()
	}()
}

// wait blocks until every asynchronous call started so far has returned.
func (r *Reconciler) wait() {
	r.inflight.Wait()
}
