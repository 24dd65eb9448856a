package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels/whatsapp"
	"github.com/jholhewres/wabridge/pkg/wabridge/credentials"
	"github.com/jholhewres/wabridge/pkg/wabridge/gateway"
	"github.com/jholhewres/wabridge/pkg/wabridge/maintenance"
	"github.com/jholhewres/wabridge/pkg/wabridge/media"
	"github.com/jholhewres/wabridge/pkg/wabridge/moderation"
	"github.com/jholhewres/wabridge/pkg/wabridge/pipeline"
	"github.com/jholhewres/wabridge/pkg/wabridge/ratelimit"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
	"github.com/jholhewres/wabridge/pkg/wabridge/supervisor"
)

// newServeCmd creates the `wabridge serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge daemon and its control API",
		Long: `Start wabridge as a daemon: reconnect every PENDING and ACTIVE
tenant, ingest guest photos and messages, and serve the control API.

Examples:
  wabridge serve
  wabridge serve --config ./wabridge.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	} else {
		logger.Info("no config file found, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──
	hub, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer hub.Close()
	records := hub.Store()

	creds := credentials.New(cfg.Credentials.Dir, logger, whatsapp.NewLogger(logger, "store"))
	defer creds.Close()

	mediaStore := media.NewStore(cfg.Media, logger)

	// ── Ingestion ──
	limiter := ratelimit.NewDurable(records, cfg.RateLimit, logger)
	gate := moderation.NewGate(cfg.Moderation.Denylist)
	ingest := pipeline.New(cfg.Pipeline, records, mediaStore, limiter, gate, logger)

	// ── Sessions ──
	dialer := whatsapp.NewDialer(cfg.WhatsApp, creds, logger)
	manager := session.NewManager(cfg.Session, dialer, records, creds, ingest, logger)
	reconciler := supervisor.NewReconciler(cfg.Reconciler, records, manager, logger)

	// ── API and housekeeping ──
	gw := gateway.New(cfg.Gateway, manager, records, mediaStore, hub, logger)
	housekeeping := maintenance.New(cfg.Maintenance, records, mediaStore, logger)

	tree := supervisor.NewTree(logger, cfg.Supervisor)
	tree.AddSessionService(supervisor.NewShutdownService("session-manager", manager, cfg.Supervisor.ShutdownTimeout))
	tree.AddSessionService(reconciler)
	tree.AddSessionService(housekeeping)
	tree.AddAPIService(supervisor.NewHTTPService(gw.Server(), cfg.Supervisor.ShutdownTimeout))

	logger.Info("wabridge started",
		"address", cfg.Gateway.Address,
		"database", cfg.Database.Backend,
		"credentials", cfg.Credentials.Dir,
		"media", cfg.Media.Root,
	)

	// ── Wait for shutdown ──
	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logger.Warn("service did not stop in time", "service", svc.Name)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
