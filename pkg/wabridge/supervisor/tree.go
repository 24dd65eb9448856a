package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree settings.
type TreeConfig struct {
	// FailureThreshold is the number of failures before backing off.
	FailureThreshold float64 `yaml:"failure_threshold"`

	// FailureDecay is the failure decay rate in seconds.
	FailureDecay float64 `yaml:"failure_decay"`

	// FailureBackoff is how long to wait once the threshold is exceeded.
	FailureBackoff time.Duration `yaml:"failure_backoff"`

	// ShutdownTimeout bounds how long each service may take to stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultTreeConfig returns suture's own defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the daemon's supervisor hierarchy:
//   - sessions: session manager lifetime, reconciler, maintenance jobs
//   - api: HTTP control surface
//
// A crash in one layer restarts only that layer's services.
type Tree struct {
	root     *suture.Supervisor
	sessions *suture.Supervisor
	api      *suture.Supervisor
	config   TreeConfig
}

// NewTree creates an empty tree. Zero config values take the defaults.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	// MustHook has a pointer receiver.
	handler := &sutureslog.Handler{Logger: logger.With("component", "supervisor")}

	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = handler.MustHook()

	root := suture.New("wabridge", rootSpec)
	sessions := suture.New("sessions-layer", spec)
	api := suture.New("api-layer", spec)
	root.Add(sessions)
	root.Add(api)

	return &Tree{root: root, sessions: sessions, api: api, config: config}
}

// AddSessionService adds a service to the sessions layer.
func (t *Tree) AddSessionService(svc suture.Service) suture.ServiceToken {
	return t.sessions.Add(svc)
}

// AddAPIService adds a service to the api layer.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
