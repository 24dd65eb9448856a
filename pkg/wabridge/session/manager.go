// Package session keeps one transport connection per tenant and mirrors its
// lifecycle into the durable session record.
//
// Each live tenant has a Handle in the registry and an actor goroutine that
// consumes the connection's events in order. The registry is the only state
// shared between tenants.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels"
	"github.com/jholhewres/wabridge/pkg/wabridge/database"
	"github.com/jholhewres/wabridge/pkg/wabridge/metrics"
)

var (
	// ErrShuttingDown is returned by Connect after Shutdown.
	ErrShuttingDown = errors.New("session manager shutting down")

	// ErrConnectAborted means the tenant was logged out while dialing.
	ErrConnectAborted = errors.New("connect aborted")
)

// Records is the subset of the record store the manager writes.
type Records interface {
	GetSession(ctx context.Context, tenantID string) (*database.Session, error)
	ResetSession(ctx context.Context, tenantID string, now time.Time) error
	SavePairingCode(ctx context.Context, tenantID, code string, now time.Time) error
	MarkActive(ctx context.Context, tenantID, phone string, now time.Time) error
	SetSessionState(ctx context.Context, tenantID string, state database.SessionState, now time.Time) error
}

// Purger deletes a tenant's stored transport credentials.
type Purger interface {
	Purge(ctx context.Context, tenantID string) error
}

// MessageHandler processes inbound messages. It runs on the tenant's actor
// goroutine, so a slow handler delays only that tenant.
type MessageHandler interface {
	Handle(ctx context.Context, tenantID string, conn channels.Conn, msg *channels.IncomingMessage)
}

// Config holds session manager settings.
type Config struct {
	// ReconnectDelay is the fixed wait before redialing after a transient close.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// InboxSize is the per-tenant event buffer.
	InboxSize int `yaml:"inbox_size"`

	// HandshakeTimeout is how long a connection that has not opened may go
	// without any event before it is dropped and redialed.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DefaultConfig returns the default manager settings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:   2 * time.Second,
		InboxSize:        64,
		HandshakeTimeout: 90 * time.Second,
	}
}

// Handle is one live tenant connection.
type Handle struct {
	tenantID  string
	startedAt time.Time

	inbox    chan channels.Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	opened    atomic.Bool
	lastEvent atomic.Int64 // unix nanos

	mu       sync.Mutex
	conn     channels.Conn
	watchdog Stopper
	stopped  bool
}

func newHandle(tenantID string, inboxSize int, now time.Time) *Handle {
	h := &Handle{
		tenantID:  tenantID,
		startedAt: now,
		inbox:     make(chan channels.Event, inboxSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	h.lastEvent.Store(now.UnixNano())
	return h
}

// TenantID returns the tenant this handle belongs to.
func (h *Handle) TenantID() string { return h.tenantID }

// StartedAt returns when the connection attempt began.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Opened reports whether the connection completed its handshake.
func (h *Handle) Opened() bool { return h.opened.Load() }

// LastEventAt returns when the connection last delivered an event, or
// StartedAt if it has delivered none.
func (h *Handle) LastEventAt() time.Time { return time.Unix(0, h.lastEvent.Load()) }

// Conn returns the transport connection, nil while still dialing.
func (h *Handle) Conn() channels.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// enqueue is the connection's event sink. Events after stop are dropped.
func (h *Handle) enqueue(evt channels.Event) {
	select {
	case <-h.stop:
	case h.inbox <- evt:
	}
}

func (h *Handle) attach(conn channels.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.conn = conn
	return true
}

// shutdown stops the actor and returns the connection for the caller to close.
func (h *Handle) shutdown() channels.Conn {
	h.stopOnce.Do(func() { close(h.stop) })
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
	conn := h.conn
	h.conn = nil
	return conn
}

func (h *Handle) setWatchdog(s Stopper) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.watchdog = s
	return true
}

func (h *Handle) stopWatchdog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
}

type retry struct {
	stopper Stopper
}

// Manager owns the tenant registry.
type Manager struct {
	config    Config
	dialer    channels.Dialer
	records   Records
	creds     Purger
	handler   MessageHandler
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*Handle
	retries map[string]*retry
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithScheduler replaces the reconnect scheduler.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

// WithClock replaces the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. handler may be nil, in which case
// inbound messages are only logged.
func NewManager(cfg Config, dialer channels.Dialer, records Records, creds Purger, handler MessageHandler, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:    cfg,
		dialer:    dialer,
		records:   records,
		creds:     creds,
		handler:   handler,
		scheduler: TimeScheduler{},
		logger:    logger.With("component", "session"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		handles:   make(map[string]*Handle),
		retries:   make(map[string]*retry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect returns the tenant's live handle, dialing if there is none.
// Concurrent calls for the same tenant dial once.
func (m *Manager) Connect(ctx context.Context, tenantID string) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if h, ok := m.handles[tenantID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	h := newHandle(tenantID, m.config.InboxSize, m.now())
	m.handles[tenantID] = h
	m.cancelRetryLocked(tenantID)
	metrics.SessionsLive.Set(float64(len(m.handles)))
	// Counted before unlocking so Shutdown also waits for in-flight dials.
	m.wg.Add(1)
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, tenantID, h.enqueue)
	metrics.RecordConnect(err)
	if err != nil {
		m.wg.Done()
		h.shutdown()
		if m.remove(h) {
			m.logger.Warn("session: dial failed, will retry", "tenant", tenantID, "error", err)
			if serr := m.records.SetSessionState(m.ctx, tenantID, database.StatePending, m.now()); serr != nil {
				m.logger.Error("session: failed to record state", "tenant", tenantID, "error", serr)
			}
			m.scheduleRetry(tenantID)
		}
		return nil, fmt.Errorf("dialing tenant %s: %w", tenantID, err)
	}

	if !h.attach(conn) {
		m.wg.Done()
		_ = conn.Close()
		return nil, ErrConnectAborted
	}
	m.watchHandshake(h, m.config.HandshakeTimeout)
	go func() {
		defer m.wg.Done()
		m.run(h)
	}()

	m.logger.Info("session: connecting", "tenant", tenantID)
	return h, nil
}

// Init (re)starts pairing for a tenant. A tenant whose connection has opened
// and whose record is ACTIVE is left alone; otherwise any half-open
// connection is dropped, the record is reset to PENDING and a fresh
// connection is started.
func (m *Manager) Init(ctx context.Context, tenantID string) error {
	if h := m.handle(tenantID); h != nil && h.Opened() {
		sess, err := m.records.GetSession(ctx, tenantID)
		if err == nil && sess.State == database.StateActive {
			return nil
		}
	}

	m.mu.Lock()
	m.cancelRetryLocked(tenantID)
	h := m.handles[tenantID]
	delete(m.handles, tenantID)
	metrics.SessionsLive.Set(float64(len(m.handles)))
	m.mu.Unlock()
	if h != nil {
		if conn := h.shutdown(); conn != nil {
			_ = conn.Close()
		}
	}

	if err := m.records.ResetSession(ctx, tenantID, m.now()); err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}
	if _, err := m.Connect(ctx, tenantID); err != nil {
		return err
	}
	return nil
}

// Logout cancels any pending retry, signs the device out, purges its
// credentials and marks the session DISCONNECTED. Every step runs even if an
// earlier one failed.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	m.cancelRetryLocked(tenantID)
	h := m.handles[tenantID]
	delete(m.handles, tenantID)
	metrics.SessionsLive.Set(float64(len(m.handles)))
	m.mu.Unlock()

	var errs []error
	if h != nil {
		if conn := h.shutdown(); conn != nil {
			if err := conn.Logout(ctx); err != nil {
				errs = append(errs, fmt.Errorf("transport logout: %w", err))
				_ = conn.Close()
			}
		}
	}
	if err := m.creds.Purge(ctx, tenantID); err != nil {
		errs = append(errs, fmt.Errorf("purging credentials: %w", err))
	}
	if err := m.records.SetSessionState(ctx, tenantID, database.StateDisconnected, m.now()); err != nil {
		errs = append(errs, fmt.Errorf("recording state: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn("session: logout completed with errors", "tenant", tenantID, "error", err)
	} else {
		m.logger.Info("session: logged out", "tenant", tenantID)
	}
	return err
}

// Live reports whether tenantID has a handle in the registry.
func (m *Manager) Live(tenantID string) bool {
	return m.handle(tenantID) != nil
}

// LiveTenants returns the tenants with a handle, sorted.
func (m *Manager) LiveTenants() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.handles))
	for id := range m.handles {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Shutdown closes every connection without touching the session records,
// so the next start reconnects the same tenants. It waits for the actors
// until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for id, r := range m.retries {
		r.stopper.Stop()
		delete(m.retries, id)
	}
	handles := m.handles
	m.handles = make(map[string]*Handle)
	metrics.SessionsLive.Set(0)
	m.mu.Unlock()

	m.cancel()
	for _, h := range handles {
		if conn := h.shutdown(); conn != nil {
			_ = conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("session: manager stopped", "closed", len(handles))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handle(tenantID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[tenantID]
}

// remove deletes h from the registry if it is still the tenant's handle.
func (m *Manager) remove(h *Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handles[h.tenantID] != h {
		return false
	}
	delete(m.handles, h.tenantID)
	metrics.SessionsLive.Set(float64(len(m.handles)))
	return true
}

// run is the tenant actor. It exits after a close event or on stop.
func (m *Manager) run(h *Handle) {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		case evt := <-h.inbox:
			h.lastEvent.Store(m.now().UnixNano())
			m.dispatch(h, evt)
			if evt.Kind == channels.EventClose {
				return
			}
		}
	}
}

func (m *Manager) dispatch(h *Handle, evt channels.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SessionPanics.Inc()
			m.logger.Error("session: panic while handling event",
				"tenant", h.tenantID,
				"event", evt.Kind.String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch evt.Kind {
	case channels.EventPairingCode:
		m.onPairingCode(h, evt.Code)
	case channels.EventOpen:
		m.onOpen(h, evt.Phone)
	case channels.EventMessage:
		m.onMessage(h, evt.Message)
	case channels.EventClose:
		m.onClose(h, evt.Close, evt.Reason)
	}
}

func (m *Manager) onPairingCode(h *Handle, code string) {
	metrics.SessionPairingCodes.Inc()
	if err := m.records.SavePairingCode(m.ctx, h.tenantID, code, m.now()); err != nil {
		m.logger.Error("session: failed to store pairing code", "tenant", h.tenantID, "error", err)
		return
	}
	m.logger.Info("session: pairing code issued", "tenant", h.tenantID)
}

func (m *Manager) onOpen(h *Handle, phone string) {
	if conn := h.Conn(); conn != nil {
		if err := conn.Flush(m.ctx); err != nil {
			m.logger.Warn("session: failed to flush credentials", "tenant", h.tenantID, "error", err)
		}
	}
	h.opened.Store(true)
	h.stopWatchdog()
	if err := m.records.MarkActive(m.ctx, h.tenantID, phone, m.now()); err != nil {
		m.logger.Error("session: failed to mark active", "tenant", h.tenantID, "error", err)
	}
	m.logger.Info("session: connection open", "tenant", h.tenantID, "phone", phone)
}

func (m *Manager) onMessage(h *Handle, msg *channels.IncomingMessage) {
	if msg == nil {
		return
	}
	if m.handler == nil {
		m.logger.Debug("session: message dropped, no handler", "tenant", h.tenantID, "id", msg.ID)
		return
	}
	m.handler.Handle(m.ctx, h.tenantID, h.Conn(), msg)
}

func (m *Manager) onClose(h *Handle, kind channels.CloseKind, reason string) {
	h.shutdown()
	if !m.remove(h) {
		return
	}
	metrics.SessionCloses.WithLabelValues(kind.String()).Inc()
	logger := m.logger.With("tenant", h.tenantID, "kind", kind.String(), "reason", reason)
	now := m.now()

	switch kind {
	case channels.CloseTerminal:
		logger.Warn("session: signed out remotely")
		if err := m.creds.Purge(m.ctx, h.tenantID); err != nil {
			logger.Error("session: failed to purge credentials", "error", err)
		}
		m.setState(logger, h.tenantID, database.StateDisconnected, now)

	case channels.CloseFault:
		state := database.StateError
		if sess, err := m.records.GetSession(m.ctx, h.tenantID); err == nil && !CanTransition(sess.State, state) {
			state = database.StateDisconnected
		}
		logger.Error("session: connection failed permanently", "state", string(state))
		m.setState(logger, h.tenantID, state, now)

	default:
		logger.Info("session: connection lost, reconnecting", "delay", m.config.ReconnectDelay)
		m.setState(logger, h.tenantID, database.StatePending, now)
		m.scheduleRetry(h.tenantID)
	}
}

// watchHandshake arms the handshake deadline for h after d.
func (m *Manager) watchHandshake(h *Handle, d time.Duration) {
	s := m.scheduler.AfterFunc(d, func() { m.checkHandshake(h) })
	if !h.setWatchdog(s) {
		s.Stop()
	}
}

// checkHandshake drops a connection that has neither opened nor delivered an
// event within HandshakeTimeout and redials it like a transient close. The
// transport does not always emit a close when a handshake fails.
func (m *Manager) checkHandshake(h *Handle) {
	if h.Opened() || m.handle(h.tenantID) != h {
		return
	}
	now := m.now()
	idle := now.Sub(h.LastEventAt())
	if remaining := m.config.HandshakeTimeout - idle; remaining > 0 {
		m.watchHandshake(h, remaining)
		return
	}
	if !m.remove(h) {
		return
	}
	if conn := h.shutdown(); conn != nil {
		_ = conn.Close()
	}
	metrics.SessionHandshakeTimeouts.Inc()
	logger := m.logger.With("tenant", h.tenantID)
	logger.Warn("session: handshake stalled, redialing",
		"started_at", h.StartedAt(),
		"idle", idle,
	)
	m.setState(logger, h.tenantID, database.StatePending, now)
	m.scheduleRetry(h.tenantID)
}

func (m *Manager) setState(logger *slog.Logger, tenantID string, state database.SessionState, now time.Time) {
	if err := m.records.SetSessionState(m.ctx, tenantID, state, now); err != nil {
		logger.Error("session: failed to record state", "state", string(state), "error", err)
	}
}

func (m *Manager) scheduleRetry(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, live := m.handles[tenantID]; live {
		return
	}
	m.cancelRetryLocked(tenantID)
	r := &retry{}
	r.stopper = m.scheduler.AfterFunc(m.config.ReconnectDelay, func() {
		m.fireRetry(tenantID, r)
	})
	m.retries[tenantID] = r
}

func (m *Manager) fireRetry(tenantID string, r *retry) {
	m.mu.Lock()
	if m.retries[tenantID] != r {
		m.mu.Unlock()
		return
	}
	delete(m.retries, tenantID)
	m.mu.Unlock()

	if _, err := m.Connect(m.ctx, tenantID); err != nil && !errors.Is(err, ErrShuttingDown) {
		m.logger.Warn("session: reconnect failed", "tenant", tenantID, "error", err)
	}
}

func (m *Manager) cancelRetryLocked(tenantID string) {
	if r, ok := m.retries[tenantID]; ok {
		r.stopper.Stop()
		delete(m.retries, tenantID)
	}
}
