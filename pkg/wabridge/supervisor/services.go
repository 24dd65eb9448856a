package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer matches the *http.Server lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service. Serve returns
// after a graceful Shutdown once ctx is done.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server. shutdownTimeout bounds the graceful drain.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// ctx is already cancelled; drain on a fresh one.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// Shutdowner is implemented by the session manager.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ShutdownService holds a component until the tree stops, then shuts it
// down. It lets the tree own the session manager's lifetime.
type ShutdownService struct {
	name    string
	target  Shutdowner
	timeout time.Duration
}

// NewShutdownService creates a ShutdownService.
func NewShutdownService(name string, target Shutdowner, timeout time.Duration) *ShutdownService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ShutdownService{name: name, target: target, timeout: timeout}
}

// Serve implements suture.Service.
func (s *ShutdownService) Serve(ctx context.Context) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.target.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *ShutdownService) String() string { return s.name }
