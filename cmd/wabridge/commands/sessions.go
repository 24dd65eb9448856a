package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newSessionsCmd creates `wabridge sessions`, listing the session records.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List tenant session records",
		Long: `List every tenant's session record: state, linked phone and last
activity.

Examples:
  wabridge sessions
  wabridge sessions --json`,
		RunE: runSessions,
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func runSessions(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	ctx := cmd.Context()
	hub, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer hub.Close()

	sessions, err := hub.Store().ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tSTATE\tPHONE\tLAST ACTIVITY\tLINKED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.TenantID, s.State, orDash(s.PhoneIdentity), since(s.LastActivityAt), since(s.LinkedAt))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
