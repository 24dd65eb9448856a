// Package config assembles the daemon configuration from a YAML file,
// .env files and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels/whatsapp"
	"github.com/jholhewres/wabridge/pkg/wabridge/database"
	"github.com/jholhewres/wabridge/pkg/wabridge/gateway"
	"github.com/jholhewres/wabridge/pkg/wabridge/maintenance"
	"github.com/jholhewres/wabridge/pkg/wabridge/media"
	"github.com/jholhewres/wabridge/pkg/wabridge/pipeline"
	"github.com/jholhewres/wabridge/pkg/wabridge/ratelimit"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
	"github.com/jholhewres/wabridge/pkg/wabridge/supervisor"
)

// Config is the root configuration.
type Config struct {
	Database    database.HubConfig          `yaml:"database"`
	Credentials CredentialsConfig           `yaml:"credentials"`
	WhatsApp    whatsapp.Config             `yaml:"whatsapp"`
	Media       media.StoreConfig           `yaml:"media"`
	RateLimit   ratelimit.Config            `yaml:"rate_limit"`
	Moderation  ModerationConfig            `yaml:"moderation"`
	Session     session.Config              `yaml:"session"`
	Reconciler  supervisor.ReconcilerConfig `yaml:"reconciler"`
	Supervisor  supervisor.TreeConfig       `yaml:"supervisor"`
	Pipeline    pipeline.Config             `yaml:"pipeline"`
	Gateway     gateway.Config              `yaml:"gateway"`
	Maintenance maintenance.Config          `yaml:"maintenance"`
	Logging     LoggingConfig               `yaml:"logging"`
}

// CredentialsConfig locates the per-tenant device databases.
type CredentialsConfig struct {
	// Dir holds one SQLite file per tenant.
	Dir string `yaml:"dir"`
}

// ModerationConfig configures the text gate.
type ModerationConfig struct {
	// Denylist replaces the built-in list when set.
	Denylist []string `yaml:"denylist"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`

	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Database:    database.DefaultHubConfig(),
		Credentials: CredentialsConfig{Dir: "./data/sessions"},
		WhatsApp:    whatsapp.DefaultConfig(),
		Media:       media.DefaultStoreConfig(),
		RateLimit:   ratelimit.DefaultConfig(),
		Session:     session.DefaultConfig(),
		Reconciler:  supervisor.DefaultReconcilerConfig(),
		Supervisor:  supervisor.DefaultTreeConfig(),
		Pipeline:    pipeline.DefaultConfig(),
		Gateway:     gateway.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
		Logging:     LoggingConfig{Format: "text", Level: "info"},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Backend {
	case database.BackendSQLite, database.BackendPostgreSQL:
	default:
		errs = append(errs, fmt.Errorf("database.backend: unsupported %q", c.Database.Backend))
	}
	if c.Credentials.Dir == "" {
		errs = append(errs, errors.New("credentials.dir is required"))
	}
	if c.Media.Root == "" {
		errs = append(errs, errors.New("media.root is required"))
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.limit and rate_limit.window must be positive"))
	}
	if c.Maintenance.UploadRetention > 0 && c.Maintenance.UploadRetention < c.RateLimit.Window {
		errs = append(errs, fmt.Errorf("maintenance.upload_retention (%s) must cover rate_limit.window (%s)",
			c.Maintenance.UploadRetention, c.RateLimit.Window))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unsupported %q", c.Logging.Format))
	}
	if strings.Contains(c.Gateway.AuthToken, "${") {
		errs = append(errs, errors.New("gateway.auth_token references an unset environment variable"))
	}

	return errors.Join(errs...)
}
