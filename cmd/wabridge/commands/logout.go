package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wabridge/pkg/wabridge/channels/whatsapp"
	"github.com/jholhewres/wabridge/pkg/wabridge/config"
	"github.com/jholhewres/wabridge/pkg/wabridge/credentials"
	"github.com/jholhewres/wabridge/pkg/wabridge/database"
)

// newLogoutCmd creates `wabridge logout`.
func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign a tenant out and delete its credentials",
		Long: `Sign a tenant out. By default the running daemon is asked to do it
through the control API, which also signs the device out on the phone.

With --offline the credentials are deleted locally and the record is set
to DISCONNECTED; the phone keeps listing the device until it is removed
there.

Examples:
  wabridge logout --tenant acme
  wabridge logout --tenant acme --offline`,
		RunE: runLogout,
	}
	cmd.Flags().String("tenant", "", "tenant id (required)")
	cmd.Flags().Bool("offline", false, "purge locally without contacting the daemon")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func runLogout(cmd *cobra.Command, _ []string) error {
	tenantID, _ := cmd.Flags().GetString("tenant")
	offline, _ := cmd.Flags().GetBool("offline")

	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	ctx := cmd.Context()

	if !offline {
		if err := logoutViaAPI(ctx, cfg, tenantID); err != nil {
			return err
		}
		fmt.Printf("Tenant %s logged out.\n", tenantID)
		return nil
	}

	hub, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer hub.Close()

	creds := credentials.New(cfg.Credentials.Dir, logger, whatsapp.NewLogger(logger, "store"))
	defer creds.Close()

	err = errors.Join(
		creds.Purge(ctx, tenantID),
		hub.Store().SetSessionState(ctx, tenantID, database.StateDisconnected, time.Now()),
	)
	if err != nil {
		return fmt.Errorf("offline logout: %w", err)
	}
	fmt.Printf("Tenant %s credentials removed.\n", tenantID)
	return nil
}

func logoutViaAPI(ctx context.Context, cfg *config.Config, tenantID string) error {
	host, port, err := net.SplitHostPort(cfg.Gateway.Address)
	if err != nil {
		return fmt.Errorf("gateway address %q: %w", cfg.Gateway.Address, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, port) + "/session/logout"

	body, _ := json.Marshal(map[string]string{"tenantId": tenantID})
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Gateway.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.AuthToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon (is it running? try --offline): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("daemon refused logout: %s", apiErr.Error)
	}
	return nil
}
