package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels"
	"github.com/jholhewres/wabridge/pkg/wabridge/database"
)

// ---------- fakes ----------

type fakeConn struct {
	tenantID  string
	logoutErr error

	mu        sync.Mutex
	closed    bool
	loggedOut bool
	flushes   int
	sent      []string
	calls     *callLog
}

func (c *fakeConn) SendText(_ context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chatID+": "+text)
	return nil
}

func (c *fakeConn) Download(context.Context, *channels.MediaInfo) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) Flush(context.Context) error {
	c.mu.Lock()
	c.flushes++
	c.mu.Unlock()
	c.calls.add("flush " + c.tenantID)
	return nil
}

func (c *fakeConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	c.closed = true
	return c.logoutErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	calls *callLog

	mu        sync.Mutex
	dials     map[string]int
	sinks     map[string]channels.Sink
	conns     map[string]*fakeConn
	err       error
	logoutErr error
}

func newFakeDialer(calls *callLog) *fakeDialer {
	return &fakeDialer{
		calls: calls,
		dials: make(map[string]int),
		sinks: make(map[string]channels.Sink),
		conns: make(map[string]*fakeConn),
	}
}

func (d *fakeDialer) Dial(_ context.Context, tenantID string, sink channels.Sink) (channels.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[tenantID]++
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{tenantID: tenantID, logoutErr: d.logoutErr, calls: d.calls}
	d.sinks[tenantID] = sink
	d.conns[tenantID] = conn
	return conn, nil
}

func (d *fakeDialer) dialCount(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[tenantID]
}

func (d *fakeDialer) emit(tenantID string, evt channels.Event) {
	d.mu.Lock()
	sink := d.sinks[tenantID]
	d.mu.Unlock()
	sink(evt)
}

func (d *fakeDialer) conn(tenantID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[tenantID]
}

type fakeRecords struct {
	calls *callLog

	mu       sync.Mutex
	sessions map[string]database.Session
}

func newFakeRecords(calls *callLog) *fakeRecords {
	return &fakeRecords{calls: calls, sessions: make(map[string]database.Session)}
}

func (r *fakeRecords) GetSession(_ context.Context, tenantID string) (*database.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[tenantID]
	if !ok {
		return nil, database.ErrSessionNotFound
	}
	return &sess, nil
}

func (r *fakeRecords) ResetSession(_ context.Context, tenantID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[tenantID]
	sess.TenantID = tenantID
	sess.State = database.StatePending
	sess.PairingCode = ""
	r.sessions[tenantID] = sess
	return nil
}

func (r *fakeRecords) SavePairingCode(_ context.Context, tenantID, code string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[tenantID]
	sess.TenantID = tenantID
	sess.State = database.StatePending
	sess.PairingCode = code
	r.sessions[tenantID] = sess
	return nil
}

func (r *fakeRecords) MarkActive(_ context.Context, tenantID, phone string, _ time.Time) error {
	r.calls.add("mark_active " + tenantID)
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[tenantID]
	sess.TenantID = tenantID
	sess.State = database.StateActive
	sess.PairingCode = ""
	sess.PhoneIdentity = phone
	r.sessions[tenantID] = sess
	return nil
}

func (r *fakeRecords) SetSessionState(_ context.Context, tenantID string, state database.SessionState, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[tenantID]
	if !ok {
		return nil
	}
	sess.State = state
	sess.PairingCode = ""
	if state == database.StateDisconnected {
		sess.PhoneIdentity = ""
	}
	r.sessions[tenantID] = sess
	return nil
}

func (r *fakeRecords) set(tenantID string, state database.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[tenantID] = database.Session{TenantID: tenantID, State: state}
}

func (r *fakeRecords) get(tenantID string) database.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[tenantID]
}

type fakePurger struct {
	mu     sync.Mutex
	purged []string
	err    error
}

func (p *fakePurger) Purge(_ context.Context, tenantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, tenantID)
	return p.err
}

func (p *fakePurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.purged)
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// fakeScheduler records timers; tests fire them explicitly.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped.Load() {
			out = append(out, t)
		}
	}
	return out
}

// fireAll runs every timer that was not stopped.
func (s *fakeScheduler) fireAll() {
	for _, t := range s.pending() {
		t.stopped.Store(true)
		t.f()
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeHandler struct {
	mu      sync.Mutex
	handled []string
	conns   []channels.Conn
	panicOn string
}

func (h *fakeHandler) Handle(_ context.Context, tenantID string, conn channels.Conn, msg *channels.IncomingMessage) {
	if msg.ID == h.panicOn {
		panic("boom")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, tenantID+"/"+msg.ID)
	h.conns = append(h.conns, conn)
}

func (h *fakeHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// ---------- harness ----------

type harness struct {
	mgr       *Manager
	dialer    *fakeDialer
	records   *fakeRecords
	purger    *fakePurger
	scheduler *fakeScheduler
	handler   *fakeHandler
	calls     *callLog
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	calls := &callLog{}
	h := &harness{
		dialer:    newFakeDialer(calls),
		records:   newFakeRecords(calls),
		purger:    &fakePurger{},
		scheduler: &fakeScheduler{},
		handler:   &fakeHandler{},
		calls:     calls,
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	opts = append([]Option{WithScheduler(h.scheduler)}, opts...)
	h.mgr = NewManager(DefaultConfig(), h.dialer, h.records, h.purger, h.handler, logger, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.mgr.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) connectActive(t *testing.T, tenantID string) {
	t.Helper()
	h.records.set(tenantID, database.StatePending)
	if _, err := h.mgr.Connect(context.Background(), tenantID); err != nil {
		t.Fatalf("Connect(%s): %v", tenantID, err)
	}
	h.dialer.emit(tenantID, channels.Event{Kind: channels.EventOpen, Phone: "549" + tenantID})
	waitFor(t, "ACTIVE", func() bool { return h.records.get(tenantID).State == database.StateActive })
}

// ---------- tests ----------

func TestConnect_Idempotent(t *testing.T) {
	h := newHarness(t)

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hd, err := h.mgr.Connect(context.Background(), "t1")
			if err != nil {
				t.Errorf("Connect: %v", err)
				return
			}
			handles[i] = hd
		}(i)
	}
	wg.Wait()

	if got := h.dialer.dialCount("t1"); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatal("concurrent Connect returned different handles")
		}
	}
	if !h.mgr.Live("t1") {
		t.Error("expected t1 live")
	}
}

func TestPairingCodeAndOpen(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Connect(context.Background(), "t1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.dialer.emit("t1", channels.Event{Kind: channels.EventPairingCode, Code: "code-1"})
	h.dialer.emit("t1", channels.Event{Kind: channels.EventPairingCode, Code: "code-2"})
	waitFor(t, "second code", func() bool { return h.records.get("t1").PairingCode == "code-2" })
	if s := h.records.get("t1"); s.State != database.StatePending {
		t.Errorf("state = %s, want PENDING", s.State)
	}

	h.dialer.emit("t1", channels.Event{Kind: channels.EventOpen, Phone: "5491122334455"})
	waitFor(t, "ACTIVE", func() bool { return h.records.get("t1").State == database.StateActive })

	s := h.records.get("t1")
	if s.PairingCode != "" || s.PhoneIdentity != "5491122334455" {
		t.Errorf("unexpected session after open: %+v", s)
	}

	calls := h.calls.snapshot()
	if len(calls) != 2 || calls[0] != "flush t1" || calls[1] != "mark_active t1" {
		t.Errorf("credentials must be flushed before ACTIVE, got %v", calls)
	}
}

func TestClose_Terminal(t *testing.T) {
	h := newHarness(t)
	h.connectActive(t, "t1")

	h.dialer.emit("t1", channels.Event{Kind: channels.EventClose, Close: channels.CloseTerminal, Reason: "logged_out"})
	waitFor(t, "DISCONNECTED", func() bool { return h.records.get("t1").State == database.StateDisconnected })

	if h.mgr.Live("t1") {
		t.Error("handle must be removed")
	}
	if h.purger.count() != 1 {
		t.Errorf("purges = %d, want 1", h.purger.count())
	}
	if n := len(h.scheduler.pending()); n != 0 {
		t.Errorf("pending retries = %d, want 0", n)
	}
}

func TestClose_TransientReconnects(t *testing.T) {
	h := newHarness(t)
	h.connectActive(t, "t1")

	h.dialer.emit("t1", channels.Event{Kind: channels.EventClose, Close: channels.CloseTransient, Reason: "stream_error"})
	waitFor(t, "retry scheduled", func() bool { return len(h.scheduler.pending()) == 1 })

	if s := h.records.get("t1"); s.State != database.StatePending {
		t.Errorf("state = %s, want PENDING", s.State)
	}
	if h.mgr.Live("t1") {
		t.Error("handle must be removed")
	}
	timers := h.scheduler.pending()
	if timers[0].delay != 2*time.Second {
		t.Errorf("delay = %v, want 2s", timers[0].delay)
	}
	if h.purger.count() != 0 {
		t.Error("credentials must be kept on transient close")
	}

	h.scheduler.fireAll()
	if got := h.dialer.dialCount("t1"); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	if !h.mgr.Live("t1") {
		t.Error("expected t1 live after retry")
	}

	h.dialer.emit("t1", channels.Event{Kind: channels.EventOpen, Phone: "549t1"})
	waitFor(t, "ACTIVE again", func() bool { return h.records.get("t1").State == database.StateActive })
}

func TestClose_Fault(t *testing.T) {
	tests := []struct {
		name string
		from database.SessionState
		open bool
		want database.SessionState
	}{
		{"from active", database.StateActive, true, database.StateError},
		{"from pending", database.StatePending, false, database.StateDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.open {
				h.connectActive(t, "t1")
			} else {
				h.records.set("t1", tt.from)
				if _, err := h.mgr.Connect(context.Background(), "t1"); err != nil {
					t.Fatalf("Connect: %v", err)
				}
			}

			h.dialer.emit("t1", channels.Event{Kind: channels.EventClose, Close: channels.CloseFault, Reason: "temporary_ban"})
			waitFor(t, string(tt.want), func() bool { return h.records.get("t1").State == tt.want })

			if h.mgr.Live("t1") {
				t.Error("handle must be removed")
			}
			if n := len(h.scheduler.pending()); n != 0 {
				t.Errorf("pending retries = %d, want 0", n)
			}
			if h.purger.count() != 0 {
				t.Error("fault must not purge credentials")
			}
		})
	}
}

func TestLogout_BestEffort(t *testing.T) {
	h := newHarness(t)
	h.dialer.logoutErr = errors.New("socket gone")
	h.purger.err = errors.New("disk full")
	h.connectActive(t, "t1")
	conn := h.dialer.conn("t1")

	err := h.mgr.Logout(context.Background(), "t1")
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !errors.Is(err, h.dialer.logoutErr) || !errors.Is(err, h.purger.err) {
		t.Errorf("error must carry both failures: %v", err)
	}
	if s := h.records.get("t1"); s.State != database.StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State)
	}
	if !conn.isClosed() {
		t.Error("connection must be closed")
	}
	if h.mgr.Live("t1") {
		t.Error("handle must be removed")
	}
}

func TestLogout_CancelsPendingRetry(t *testing.T) {
	h := newHarness(t)
	h.connectActive(t, "t1")

	h.dialer.emit("t1", channels.Event{Kind: channels.EventClose, Close: channels.CloseTransient})
	waitFor(t, "retry scheduled", func() bool { return len(h.scheduler.pending()) == 1 })
	timer := h.scheduler.pending()[0]

	if err := h.mgr.Logout(context.Background(), "t1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(h.scheduler.pending()) != 0 {
		t.Error("retry must be cancelled")
	}

	// A timer that fires anyway must not reconnect.
	timer.f()
	if got := h.dialer.dialCount("t1"); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if s := h.records.get("t1"); s.State != database.StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State)
	}
}

func TestIsolation(t *testing.T) {
	h := newHarness(t)
	h.connectActive(t, "a")
	h.connectActive(t, "b")

	h.dialer.emit("a", channels.Event{Kind: channels.EventClose, Close: channels.CloseTerminal})
	waitFor(t, "a disconnected", func() bool { return h.records.get("a").State == database.StateDisconnected })

	if !h.mgr.Live("b") {
		t.Error("b must stay live")
	}
	if s := h.records.get("b"); s.State != database.StateActive || s.PhoneIdentity != "549b" {
		t.Errorf("b record changed: %+v", s)
	}
	if got := h.mgr.LiveTenants(); len(got) != 1 || got[0] != "b" {
		t.Errorf("LiveTenants = %v, want [b]", got)
	}
}

func TestMessages_PanicRecovery(t *testing.T) {
	h := newHarness(t)
	h.handler.panicOn = "m1"
	h.connectActive(t, "t1")

	for i := 1; i <= 3; i++ {
		h.dialer.emit("t1", channels.Event{Kind: channels.EventMessage, Message: &channels.IncomingMessage{ID: fmt.Sprintf("m%d", i)}})
	}
	waitFor(t, "messages after panic", func() bool { return h.handler.count() == 2 })

	if !h.mgr.Live("t1") {
		t.Error("actor must survive a handler panic")
	}
	h.handler.mu.Lock()
	defer h.handler.mu.Unlock()
	if h.handler.handled[0] != "t1/m2" || h.handler.handled[1] != "t1/m3" {
		t.Errorf("handled = %v", h.handler.handled)
	}
	if h.handler.conns[0] != channels.Conn(h.dialer.conn("t1")) {
		t.Error("handler must receive the tenant's connection")
	}
}

func TestInit(t *testing.T) {
	t.Run("live and active is a no-op", func(t *testing.T) {
		h := newHarness(t)
		h.connectActive(t, "t1")

		if err := h.mgr.Init(context.Background(), "t1"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if got := h.dialer.dialCount("t1"); got != 1 {
			t.Errorf("dials = %d, want 1", got)
		}
		if s := h.records.get("t1"); s.State != database.StateActive {
			t.Errorf("state = %s, want ACTIVE", s.State)
		}
	})

	t.Run("disconnected is reset and dialed", func(t *testing.T) {
		h := newHarness(t)
		h.records.set("t1", database.StateDisconnected)

		if err := h.mgr.Init(context.Background(), "t1"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if s := h.records.get("t1"); s.State != database.StatePending {
			t.Errorf("state = %s, want PENDING", s.State)
		}
		if !h.mgr.Live("t1") || h.dialer.dialCount("t1") != 1 {
			t.Error("expected a fresh connection")
		}
	})

	t.Run("missing record is created", func(t *testing.T) {
		h := newHarness(t)
		if err := h.mgr.Init(context.Background(), "new"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if s := h.records.get("new"); s.State != database.StatePending {
			t.Errorf("state = %s, want PENDING", s.State)
		}
	})

	t.Run("pairing in progress restarts", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.mgr.Connect(context.Background(), "t1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		old := h.dialer.conn("t1")
		h.dialer.emit("t1", channels.Event{Kind: channels.EventPairingCode, Code: "stale"})
		waitFor(t, "code", func() bool { return h.records.get("t1").PairingCode == "stale" })

		if err := h.mgr.Init(context.Background(), "t1"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if !old.isClosed() {
			t.Error("old connection must be closed")
		}
		if got := h.dialer.dialCount("t1"); got != 2 {
			t.Errorf("dials = %d, want 2", got)
		}
		if s := h.records.get("t1"); s.PairingCode != "" {
			t.Errorf("code must be cleared, got %q", s.PairingCode)
		}
	})

	t.Run("active record with unopened connection restarts", func(t *testing.T) {
		h := newHarness(t)
		h.records.set("t1", database.StateActive)
		if _, err := h.mgr.Connect(context.Background(), "t1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		old := h.dialer.conn("t1")

		if err := h.mgr.Init(context.Background(), "t1"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if !old.isClosed() {
			t.Error("stalled connection must be closed")
		}
		if got := h.dialer.dialCount("t1"); got != 2 {
			t.Errorf("dials = %d, want 2", got)
		}
		if s := h.records.get("t1"); s.State != database.StatePending {
			t.Errorf("state = %s, want PENDING", s.State)
		}
	})

	t.Run("error state is recoverable", func(t *testing.T) {
		h := newHarness(t)
		h.records.set("t1", database.StateError)
		if err := h.mgr.Init(context.Background(), "t1"); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if s := h.records.get("t1"); s.State != database.StatePending {
			t.Errorf("state = %s, want PENDING", s.State)
		}
	})
}

func TestConnect_DialError(t *testing.T) {
	h := newHarness(t)
	h.records.set("t1", database.StateActive)
	h.dialer.err = errors.New("device store locked")

	if _, err := h.mgr.Connect(context.Background(), "t1"); !errors.Is(err, h.dialer.err) {
		t.Fatalf("Connect error = %v", err)
	}
	if h.mgr.Live("t1") {
		t.Error("failed dial must not leave a handle")
	}
	if s := h.records.get("t1"); s.State != database.StatePending {
		t.Errorf("state = %s, want PENDING", s.State)
	}
	if n := len(h.scheduler.pending()); n != 1 {
		t.Fatalf("pending retries = %d, want 1", n)
	}

	h.dialer.mu.Lock()
	h.dialer.err = nil
	h.dialer.mu.Unlock()
	h.scheduler.fireAll()
	if !h.mgr.Live("t1") {
		t.Error("retry must reconnect")
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.connectActive(t, "t1")
	conn := h.dialer.conn("t1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !conn.isClosed() {
		t.Error("connection must be closed")
	}
	if s := h.records.get("t1"); s.State != database.StateActive {
		t.Errorf("shutdown must not change records, got %s", s.State)
	}
	if _, err := h.mgr.Connect(context.Background(), "t1"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Connect after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	t.Run("stalled connection is redialed", func(t *testing.T) {
		clock := newFakeClock()
		h := newHarness(t, WithClock(clock.Now))
		h.records.set("t1", database.StateActive)
		if _, err := h.mgr.Connect(context.Background(), "t1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		old := h.dialer.conn("t1")

		timers := h.scheduler.pending()
		if len(timers) != 1 || timers[0].delay != 90*time.Second {
			t.Fatalf("expected one 90s handshake timer, got %d", len(timers))
		}

		// Reconnect attempts while stalled reuse the registered handle.
		for i := 0; i < 10; i++ {
			if _, err := h.mgr.Connect(context.Background(), "t1"); err != nil {
				t.Fatalf("Connect: %v", err)
			}
		}
		if got := h.dialer.dialCount("t1"); got != 1 {
			t.Fatalf("dials = %d, want 1", got)
		}

		clock.advance(91 * time.Second)
		h.scheduler.fireAll()

		if h.mgr.Live("t1") {
			t.Error("stalled handle must be removed")
		}
		if !old.isClosed() {
			t.Error("stalled connection must be closed")
		}
		if s := h.records.get("t1"); s.State != database.StatePending {
			t.Errorf("state = %s, want PENDING", s.State)
		}
		if h.purger.count() != 0 {
			t.Error("credentials must be kept")
		}
		retries := h.scheduler.pending()
		if len(retries) != 1 || retries[0].delay != 2*time.Second {
			t.Fatalf("expected one 2s retry, got %d", len(retries))
		}

		h.scheduler.fireAll()
		if got := h.dialer.dialCount("t1"); got != 2 {
			t.Errorf("dials = %d, want 2", got)
		}
		if !h.mgr.Live("t1") {
			t.Error("expected t1 live after redial")
		}
	})

	t.Run("pairing activity extends the deadline", func(t *testing.T) {
		clock := newFakeClock()
		h := newHarness(t, WithClock(clock.Now))
		if _, err := h.mgr.Connect(context.Background(), "t1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		clock.advance(60 * time.Second)
		h.dialer.emit("t1", channels.Event{Kind: channels.EventPairingCode, Code: "code-1"})
		waitFor(t, "code", func() bool { return h.records.get("t1").PairingCode == "code-1" })

		clock.advance(40 * time.Second)
		h.scheduler.fireAll()

		if !h.mgr.Live("t1") {
			t.Fatal("a tenant still receiving pairing codes must stay live")
		}
		if got := h.dialer.dialCount("t1"); got != 1 {
			t.Errorf("dials = %d, want 1", got)
		}
		timers := h.scheduler.pending()
		if len(timers) != 1 || timers[0].delay != 50*time.Second {
			t.Errorf("expected the deadline rearmed for 50s, got %d timers", len(timers))
		}
	})

	t.Run("open connection is not watched", func(t *testing.T) {
		clock := newFakeClock()
		h := newHarness(t, WithClock(clock.Now))
		h.connectActive(t, "t1")

		if n := len(h.scheduler.pending()); n != 0 {
			t.Errorf("pending timers = %d, want 0", n)
		}
		clock.advance(time.Hour)
		h.scheduler.fireAll()
		if !h.mgr.Live("t1") {
			t.Error("open connection must stay live")
		}
	})
}
