package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/database"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newDurable(t *testing.T, clock *fakeClock) *Durable {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	hub, err := database.NewHub(database.HubConfig{
		Backend: database.BackendSQLite,
		SQLite:  database.SQLiteConfig{Path: filepath.Join(t.TempDir(), "rl.db")},
	}, logger)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	t.Cleanup(func() { hub.Close() })
	if err := hub.Migrate(context.Background(), 0); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	d := NewDurable(hub.Store(), DefaultConfig(), logger)
	d.now = clock.Now
	return d
}

func newMemory(clock *fakeClock) *Memory {
	m := NewMemory(DefaultConfig())
	m.now = clock.Now
	return m
}

// TestLimiters runs the same bound checks against both implementations:
// two photos are accepted, the third inside ten minutes is refused with
// the time until the oldest expires, and the window then reopens.
func TestLimiters(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)

	impls := map[string]func(*testing.T, *fakeClock) Limiter{
		"durable": func(t *testing.T, c *fakeClock) Limiter { return newDurable(t, c) },
		"memory":  func(_ *testing.T, c *fakeClock) Limiter { return newMemory(c) },
	}

	for name, build := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: t0}
			l := build(t, clock)
			key := Key{EventID: 1, SenderID: "5491100000000"}

			submit := func(at time.Time) Decision {
				t.Helper()
				clock.Set(at)
				d, err := l.Check(ctx, key)
				if err != nil {
					t.Fatalf("Check: %v", err)
				}
				if d.Allowed {
					if err := l.Record(ctx, key, 0, at); err != nil {
						t.Fatalf("Record: %v", err)
					}
				}
				return d
			}

			if d := submit(t0); !d.Allowed {
				t.Fatal("first upload should be allowed")
			}
			if d := submit(t0.Add(30 * time.Second)); !d.Allowed {
				t.Fatal("second upload should be allowed")
			}

			d := submit(t0.Add(time.Minute))
			if d.Allowed {
				t.Fatal("third upload should be refused")
			}
			if d.RetryAfter != 9*time.Minute {
				t.Errorf("expected RetryAfter 9m, got %v", d.RetryAfter)
			}
			if d.RetryMinutes() != 9 {
				t.Errorf("expected 9 minutes, got %d", d.RetryMinutes())
			}

			other := Key{EventID: 1, SenderID: "5491199999999"}
			clock.Set(t0.Add(time.Minute))
			if d, _ := l.Check(ctx, other); !d.Allowed {
				t.Error("another sender must not be affected")
			}
			if d, _ := l.Check(ctx, Key{EventID: 2, SenderID: key.SenderID}); !d.Allowed {
				t.Error("another event must not be affected")
			}

			if d := submit(t0.Add(10*time.Minute + time.Millisecond)); !d.Allowed {
				t.Error("upload after the oldest expired should be allowed")
			}
			if d := submit(t0.Add(10*time.Minute + 2*time.Millisecond)); d.Allowed {
				t.Error("window should be full again")
			}
		})
	}
}

func TestLimiters_RecordRefusesWhenFull(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)

	impls := map[string]func(*testing.T, *fakeClock) Limiter{
		"durable": func(t *testing.T, c *fakeClock) Limiter { return newDurable(t, c) },
		"memory":  func(_ *testing.T, c *fakeClock) Limiter { return newMemory(c) },
	}

	for name, build := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: t0}
			l := build(t, clock)
			key := Key{EventID: 7, SenderID: "s"}

			// Three submissions all pass Check before any is recorded.
			for i := 0; i < 3; i++ {
				d, err := l.Check(ctx, key)
				if err != nil || !d.Allowed {
					t.Fatalf("Check #%d: %+v %v", i, d, err)
				}
			}

			var accepted, refused int
			for i := 0; i < 3; i++ {
				err := l.Record(ctx, key, int64(i+1), t0.Add(time.Duration(i)*time.Second))
				switch {
				case err == nil:
					accepted++
				case errors.Is(err, ErrLimitExceeded):
					refused++
				default:
					t.Fatalf("Record #%d: %v", i, err)
				}
			}
			if accepted != 2 || refused != 1 {
				t.Errorf("expected 2 accepted and 1 refused, got %d and %d", accepted, refused)
			}
		})
	}
}

func TestDurable_ConcurrentRecord(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)
	clock := &fakeClock{now: t0}
	l := newDurable(t, clock)
	ctx := context.Background()
	key := Key{EventID: 3, SenderID: "s"}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Record(ctx, key, int64(i+1), t0.Add(time.Duration(i)*time.Millisecond))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !errors.Is(err, ErrLimitExceeded) {
				t.Errorf("Record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 2 {
		t.Errorf("expected exactly 2 accepted uploads, got %d", accepted)
	}
}

func TestDecision_RetryMinutes(t *testing.T) {
	tests := []struct {
		after time.Duration
		want  int
	}{
		{0, 1},
		{10 * time.Second, 1},
		{time.Minute, 1},
		{61 * time.Second, 2},
		{9*time.Minute + 30*time.Second, 10},
	}
	for _, tt := range tests {
		if got := (Decision{RetryAfter: tt.after}).RetryMinutes(); got != tt.want {
			t.Errorf("RetryMinutes(%v) = %d, want %d", tt.after, got, tt.want)
		}
	}
}
