package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/database"
)

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
rate_limit:
  limit: 5
session:
  reconnect_delay: 3s
gateway:
  address: "127.0.0.1:9000"
moderation:
  denylist: ["spoiler"]
pipeline:
  replies:
    accepted: "ok!"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.RateLimit.Limit != 5 {
		t.Errorf("rate limit = %d, want 5", cfg.RateLimit.Limit)
	}
	if cfg.RateLimit.Window != 10*time.Minute {
		t.Errorf("window = %v, want default 10m", cfg.RateLimit.Window)
	}
	if cfg.Pipeline.RateLimit != cfg.RateLimit {
		t.Errorf("pipeline rate limit = %+v, want %+v", cfg.Pipeline.RateLimit, cfg.RateLimit)
	}
	if cfg.Session.ReconnectDelay != 3*time.Second || cfg.Session.InboxSize != 64 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Gateway.Address != "127.0.0.1:9000" {
		t.Errorf("gateway address = %q", cfg.Gateway.Address)
	}
	if len(cfg.Moderation.Denylist) != 1 || cfg.Moderation.Denylist[0] != "spoiler" {
		t.Errorf("denylist = %v", cfg.Moderation.Denylist)
	}
	if cfg.Pipeline.Replies.Accepted != "ok!" {
		t.Errorf("accepted reply = %q", cfg.Pipeline.Replies.Accepted)
	}
	if cfg.Pipeline.DownloadTimeout != 30*time.Second {
		t.Errorf("download timeout = %v, want default", cfg.Pipeline.DownloadTimeout)
	}
	if cfg.Database.Backend != database.BackendSQLite {
		t.Errorf("backend = %q, want sqlite", cfg.Database.Backend)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("WABRIDGE_TEST_SET", "value")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{"set", "a: ${WABRIDGE_TEST_SET}", "a: value", ""},
		{"default used", "a: ${WABRIDGE_TEST_UNSET:-fallback}", "a: fallback", ""},
		{"default ignored", "a: ${WABRIDGE_TEST_SET:-fallback}", "a: value", ""},
		{"unset kept", "a: ${WABRIDGE_TEST_UNSET}", "a: ${WABRIDGE_TEST_UNSET}", ""},
		{"required missing", "a: ${WABRIDGE_TEST_UNSET:?token needed}", "", "WABRIDGE_TEST_UNSET: token needed"},
		{"required present", "a: ${WABRIDGE_TEST_SET:?token needed}", "a: value", ""},
		{"bare dollar", "a: $HOME", "a: $HOME", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnv(tt.input)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wabridge.yaml")
	t.Setenv("WABRIDGE_TEST_TOKEN", "s3cret")
	data := `
database:
  sqlite:
    path: data/bridge.db
credentials:
  dir: /var/lib/wabridge/sessions
media:
  root: ~/uploads
gateway:
  auth_token: ${WABRIDGE_TEST_TOKEN}
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(dir, "data", "bridge.db"); cfg.Database.SQLite.Path != want {
		t.Errorf("sqlite path = %q, want %q", cfg.Database.SQLite.Path, want)
	}
	if cfg.Credentials.Dir != "/var/lib/wabridge/sessions" {
		t.Errorf("absolute path changed: %q", cfg.Credentials.Dir)
	}
	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, "uploads"); cfg.Media.Root != want {
		t.Errorf("media root = %q, want %q", cfg.Media.Root, want)
	}
	if cfg.Gateway.AuthToken != "s3cret" {
		t.Errorf("auth token = %q", cfg.Gateway.AuthToken)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WABRIDGE_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "wabridge.yaml")
	if err := os.WriteFile(path, []byte("gateway:\n  auth_token: ${WABRIDGE_TEST_DOTENV}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("WABRIDGE_TEST_DOTENV") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.AuthToken != "from-file" {
		t.Errorf("auth token = %q, want from-file", cfg.Gateway.AuthToken)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("rate_limit: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected YAML error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("database:\n  backend: mongodb\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil || !strings.Contains(err.Error(), "mongodb") {
		t.Errorf("err = %v, want unsupported backend", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"retention shorter than window", func(c *Config) { c.Maintenance.UploadRetention = time.Minute }, "upload_retention"},
		{"no credentials dir", func(c *Config) { c.Credentials.Dir = "" }, "credentials.dir"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"unexpanded token", func(c *Config) { c.Gateway.AuthToken = "${API_TOKEN}" }, "auth_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if got := FindConfigFile(); got != "" {
		t.Errorf("FindConfigFile in empty dir = %q", got)
	}
	if err := os.MkdirAll("configs", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("configs/wabridge.yaml", nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(); got != "configs/wabridge.yaml" {
		t.Errorf("FindConfigFile = %q, want configs/wabridge.yaml", got)
	}
	if err := os.WriteFile("wabridge.yaml", nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(); got != "wabridge.yaml" {
		t.Errorf("FindConfigFile = %q, want wabridge.yaml", got)
	}
}
