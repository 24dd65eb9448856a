package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type fakeServer struct {
	stop        chan struct{}
	listenErr   error
	shutdowns   atomic.Int32
	shutdownErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{stop: make(chan struct{})}
}

func (s *fakeServer) ListenAndServe() error {
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(context.Context) error {
	if s.shutdowns.Add(1) == 1 {
		close(s.stop)
	}
	return s.shutdownErr
}

type fakeShutdowner struct {
	calls atomic.Int32
}

func (f *fakeShutdowner) Shutdown(context.Context) error {
	f.calls.Add(1)
	return nil
}

func TestHTTPService(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		srv := newFakeServer()
		svc := NewHTTPService(srv, time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Serve = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return")
		}
		if srv.shutdowns.Load() != 1 {
			t.Errorf("shutdowns = %d, want 1", srv.shutdowns.Load())
		}
	})

	t.Run("listen failure", func(t *testing.T) {
		srv := newFakeServer()
		srv.listenErr = errors.New("address in use")
		svc := NewHTTPService(srv, time.Second)

		err := svc.Serve(context.Background())
		if !errors.Is(err, srv.listenErr) {
			t.Errorf("Serve = %v, want address in use", err)
		}
	})
}

func TestTree_Lifecycle(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{FailureBackoff: 100 * time.Millisecond, ShutdownTimeout: time.Second})
	if tree.config.FailureThreshold != 5 || tree.config.FailureDecay != 30 {
		t.Errorf("defaults not applied: %+v", tree.config)
	}

	srv := newFakeServer()
	manager := &fakeShutdowner{}
	tree.AddAPIService(NewHTTPService(srv, time.Second))
	tree.AddSessionService(NewShutdownService("session-manager", manager, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}

	if manager.calls.Load() != 1 {
		t.Errorf("manager shutdowns = %d, want 1", manager.calls.Load())
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("server shutdowns = %d, want 1", srv.shutdowns.Load())
	}
}
