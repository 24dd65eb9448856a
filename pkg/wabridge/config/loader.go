package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// envFiles are loaded in order. Existing variables are never overwritten,
// so the process environment wins over both.
var envFiles = []string{".env.local", ".env"}

// Load reads the YAML file at path over DefaultConfig. Relative paths in
// the file are resolved against its directory.
func Load(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	resolvePaths(cfg, filepath.Dir(path))
	checkFilePermissions(path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or the first file FindConfigFile returns when
// path is empty. With no file at all the defaults are used.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles(".")
		cfg := DefaultConfig()
		return cfg, "", cfg.Validate()
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Parse expands environment references in data and decodes it over
// DefaultConfig.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg.Pipeline.RateLimit = cfg.RateLimit
	return cfg, nil
}

// FindConfigFile returns the first existing file in the search list, or "".
func FindConfigFile() string {
	for _, p := range []string{
		"wabridge.yaml",
		"wabridge.yml",
		"config.yaml",
		"configs/wabridge.yaml",
	} {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func loadEnvFiles(dir string) {
	seen := make(map[string]bool)
	for _, base := range []string{dir, "."} {
		for _, name := range envFiles {
			p := filepath.Join(base, name)
			if abs, err := filepath.Abs(p); err == nil {
				if seen[abs] {
					continue
				}
				seen[abs] = true
			}
			_ = godotenv.Load(p)
		}
	}
}

// expandEnv substitutes environment references. Unset variables without a
// modifier are left as written; ${VAR:?msg} fails when VAR is unset.
func expandEnv(input string) (string, error) {
	var missing []string
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envPattern.FindStringSubmatch(match)
		name, modifier, arg := m[1], m[2], m[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch modifier {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "required environment variable not set"
			}
			missing = append(missing, name+": "+arg)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("expanding environment variables: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

func resolvePaths(cfg *Config, dir string) {
	cfg.Database.SQLite.Path = resolvePath(cfg.Database.SQLite.Path, dir)
	cfg.Credentials.Dir = resolvePath(cfg.Credentials.Dir, dir)
	cfg.Media.Root = resolvePath(cfg.Media.Root, dir)
}

// resolvePath expands ~ and anchors relative paths at dir.
func resolvePath(p, dir string) string {
	if p == "" || p == ":memory:" {
		return p
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// checkFilePermissions warns when the config file is readable by group or
// others. It may hold database passwords and the API token.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file is readable by other users",
			"path", path,
			"mode", fmt.Sprintf("%04o", mode),
			"fix", "chmod 600 "+path,
		)
	}
}
