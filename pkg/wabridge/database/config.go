package database

import (
	"time"
)

// HubConfig represents the complete database hub configuration.
type HubConfig struct {
	// Backend is the primary database backend type (default: "sqlite")
	Backend BackendType `yaml:"backend"`

	// SQLite configuration
	SQLite SQLiteConfig `yaml:"sqlite"`

	// PostgreSQL configuration (includes Supabase). Use it when more than
	// one wabridge process shares the same tenants.
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`

	// RetryDelay is the base delay of the linear backoff applied to writes
	// that hit SQLITE_BUSY (default: 1s).
	RetryDelay time.Duration `yaml:"retry_delay"`

	// RetryAttempts bounds the busy retries (default: 5).
	RetryAttempts int `yaml:"retry_attempts"`
}

// Config represents a generic database connection configuration.
type Config struct {
	// Type identifies the backend type
	Type BackendType `yaml:"type"`

	// Path is for SQLite databases
	Path string `yaml:"path"`

	// Host is for network databases
	Host string `yaml:"host"`

	// Port is for network databases
	Port int `yaml:"port"`

	// Database name
	Database string `yaml:"database"`

	// User for authentication
	User string `yaml:"user"`

	// Password for authentication (supports ${ENV_VAR} expansion)
	Password string `yaml:"password"`

	// SSLMode for PostgreSQL: disable, require, verify-full
	SSLMode string `yaml:"ssl_mode"`

	// Connection pooling
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Supabase-specific
	SupabaseURL string `yaml:"supabase_url"`

	// Journal mode for SQLite (default: WAL)
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout for SQLite in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/wabridge.db")
	Path string `yaml:"path"`

	// Journal mode (default: WAL)
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL and Supabase configuration.
type PostgreSQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`

	// Password for authentication (supports ${ENV_VAR} expansion)
	Password string `yaml:"password"`

	// SSL mode: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// SupabaseURL is an alternative to host/port/database.
	SupabaseURL string `yaml:"supabase_url"`
}

// DefaultHubConfig returns the default hub configuration (SQLite).
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/wabridge.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "require",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		RetryDelay:    time.Second,
		RetryAttempts: 5,
	}
}

// ToConfig converts SQLiteConfig to generic Config.
func (s SQLiteConfig) ToConfig() Config {
	return Config{
		Type:        BackendSQLite,
		Path:        s.Path,
		JournalMode: s.JournalMode,
		BusyTimeout: s.BusyTimeout,
	}
}

// ToConfig converts PostgreSQLConfig to generic Config.
func (p PostgreSQLConfig) ToConfig() Config {
	return Config{
		Type:            BackendPostgreSQL,
		Host:            p.Host,
		Port:            p.Port,
		Database:        p.Database,
		User:            p.User,
		Password:        p.Password,
		SSLMode:         p.SSLMode,
		MaxOpenConns:    p.MaxOpenConns,
		MaxIdleConns:    p.MaxIdleConns,
		ConnMaxLifetime: p.ConnMaxLifetime,
		SupabaseURL:     p.SupabaseURL,
	}
}

// Effective returns a copy with default values filled in for zero fields.
func (c HubConfig) Effective() HubConfig {
	out := c

	if out.Backend == "" {
		out.Backend = BackendSQLite
	}
	if out.SQLite.Path == "" {
		out.SQLite.Path = "./data/wabridge.db"
	}
	if out.SQLite.JournalMode == "" {
		out.SQLite.JournalMode = "WAL"
	}
	if out.SQLite.BusyTimeout == 0 {
		out.SQLite.BusyTimeout = 5000
	}
	if out.RetryDelay == 0 {
		out.RetryDelay = time.Second
	}
	if out.RetryAttempts == 0 {
		out.RetryAttempts = 5
	}

	return out
}
