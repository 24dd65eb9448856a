package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels"
	"github.com/jholhewres/wabridge/pkg/wabridge/channels/whatsapp"
	"github.com/jholhewres/wabridge/pkg/wabridge/credentials"
)

// newPairCmd creates `wabridge pair`, which links a tenant from the
// terminal while the daemon is stopped.
func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Link a tenant's WhatsApp account by scanning a QR code",
		Long: `Pair a tenant from the terminal. The QR code is printed here and
the session record is updated exactly as the daemon would do it.

Stop the daemon first, or use POST /session/init instead.

Examples:
  wabridge pair --tenant acme
  wabridge pair --tenant acme --force`,
		RunE: runPair,
	}
	cmd.Flags().String("tenant", "", "tenant id (required)")
	cmd.Flags().Bool("force", false, "discard existing credentials and pair again")
	cmd.Flags().Duration("timeout", 3*time.Minute, "give up after this long")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func runPair(cmd *cobra.Command, _ []string) error {
	tenantID, _ := cmd.Flags().GetString("tenant")
	force, _ := cmd.Flags().GetBool("force")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hub, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer hub.Close()
	records := hub.Store()

	creds := credentials.New(cfg.Credentials.Dir, logger, whatsapp.NewLogger(logger, "store"))
	defer creds.Close()

	paired, err := creds.Paired(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("checking credentials: %w", err)
	}
	if paired && !force {
		return fmt.Errorf("tenant %s is already paired; use --force to pair again", tenantID)
	}
	if paired {
		if err := creds.Purge(ctx, tenantID); err != nil {
			return err
		}
	}
	if err := records.ResetSession(ctx, tenantID, time.Now()); err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}

	events := make(chan channels.Event, 16)
	sink := func(evt channels.Event) {
		select {
		case events <- evt:
		case <-ctx.Done():
		}
	}
	dialer := whatsapp.NewDialer(cfg.WhatsApp, creds, logger)
	conn, err := dialer.Dial(ctx, tenantID, sink)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer func() { conn.Close() }()

	fmt.Println("Scan the QR code below with the tenant's WhatsApp app:")
	fmt.Println("  WhatsApp > Settings > Linked Devices > Link a Device")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out after %s waiting for the scan", timeout)
			}
			return ctx.Err()

		case evt := <-events:
			switch evt.Kind {
			case channels.EventPairingCode:
				if err := records.SavePairingCode(ctx, tenantID, evt.Code, time.Now()); err != nil {
					logger.Warn("saving pairing code failed", "error", err)
				}
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
				fmt.Println()
				fmt.Println("Waiting for scan...")

			case channels.EventOpen:
				if err := conn.Flush(ctx); err != nil {
					return fmt.Errorf("saving credentials: %w", err)
				}
				if err := records.MarkActive(ctx, tenantID, evt.Phone, time.Now()); err != nil {
					return fmt.Errorf("marking session active: %w", err)
				}
				fmt.Printf("Paired successfully: %s (%s)\n", tenantID, evt.Phone)
				return nil

			case channels.EventClose:
				if evt.Close != channels.CloseTransient {
					return fmt.Errorf("pairing failed (%s): %s", evt.Close, evt.Reason)
				}
				logger.Debug("pairing connection closed, redialing", "reason", evt.Reason)
				conn.Close()
				select {
				case <-time.After(cfg.Session.ReconnectDelay):
				case <-ctx.Done():
					continue
				}
				next, err := dialer.Dial(ctx, tenantID, sink)
				if err != nil {
					return fmt.Errorf("reconnecting: %w", err)
				}
				conn = next
			}
		}
	}
}
