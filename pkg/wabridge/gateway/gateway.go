// Package gateway exposes the HTTP control surface of the bridge: session
// init/logout/status, the linked-event toggle, stored media, health and
// Prometheus metrics.
package gateway

import (
	"context"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/wabridge/pkg/wabridge/database"
)

// Config configures the control API listener.
type Config struct {
	// Address is the listen address (default ":3001").
	Address string `yaml:"address"`

	// AuthToken, when set, is required as "Authorization: Bearer <token>"
	// on every route except /health and /uploads.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins. "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`

	// ReadHeaderTimeout bounds slow clients.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// RequestsPerMinute throttles /session routes per client IP. 0 disables.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestBurst      int `yaml:"request_burst"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Address:           ":3001",
		ReadHeaderTimeout: 10 * time.Second,
		RequestsPerMinute: 120,
		RequestBurst:      20,
	}
}

// Sessions is the subset of the session manager driven over HTTP.
type Sessions interface {
	Init(ctx context.Context, tenantID string) error
	Logout(ctx context.Context, tenantID string) error
	Live(tenantID string) bool
}

// Records reads session records and toggles the linked event.
type Records interface {
	GetSession(ctx context.Context, tenantID string) (*database.Session, error)
	LinkEvent(ctx context.Context, tenantID string, eventID int64) error
	UnlinkEvents(ctx context.Context, tenantID string) error
}

// Media serves stored uploads.
type Media interface {
	Open(virtualPath string) (*os.File, fs.FileInfo, error)
	URLPrefix() string
}

// Health reports database reachability.
type Health interface {
	Ping(ctx context.Context) error
}

// Gateway is the HTTP control API.
type Gateway struct {
	config   Config
	sessions Sessions
	records  Records
	media    Media
	health   Health
	logger   *slog.Logger
	server   *http.Server
	limiter  *clientLimiter
}

// New creates a Gateway. health may be nil.
func New(cfg Config, sessions Sessions, records Records, media Media, health Health, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}

	g := &Gateway{
		config:   cfg,
		sessions: sessions,
		records:  records,
		media:    media,
		health:   health,
		logger:   logger.With("component", "gateway"),
	}
	if cfg.RequestsPerMinute > 0 {
		g.limiter = newClientLimiter(cfg.RequestsPerMinute, cfg.RequestBurst)
	}
	g.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	g.warnIfExposed()
	return g
}

// Server returns the configured *http.Server. The supervisor owns its
// lifecycle.
func (g *Gateway) Server() *http.Server {
	return g.server
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(securityHeaders)
	r.Use(g.corsMiddleware)

	r.Get("/health", g.handleHealth)

	if g.media != nil {
		r.Get(g.media.URLPrefix()+"/*", g.handleUpload)
	}

	r.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)

		r.Handle("/metrics", promhttp.Handler())

		r.Route("/session", func(r chi.Router) {
			r.Use(g.rateLimitMiddleware)
			r.Post("/init", g.handleInit)
			r.Post("/logout", g.handleLogout)
			r.Get("/status", g.handleStatus)
			r.Post("/link-event", g.handleLinkEvent)
		})
	})

	return r
}

func (g *Gateway) warnIfExposed() {
	if g.config.AuthToken != "" {
		return
	}
	host, _, _ := net.SplitHostPort(g.config.Address)
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	g.logger.Warn("gateway has no auth token and listens on a non-loopback address",
		"address", g.config.Address)
}
