package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wabridge/pkg/wabridge/config"
	"github.com/jholhewres/wabridge/pkg/wabridge/database"
)

// resolveConfig loads --config, or the first file in the search path, or
// the defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, path, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section and
// --verbose.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openDatabase opens the records database and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.Hub, error) {
	hub, err := database.NewHub(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := hub.Migrate(ctx, 0); err != nil {
		hub.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return hub, nil
}
