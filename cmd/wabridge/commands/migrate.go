package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates `wabridge migrate`.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the records database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			for name, status := range hub.Status(ctx) {
				state := "healthy"
				if !status.Healthy {
					state = "unhealthy: " + status.Error
				}
				fmt.Printf("%s (%s): schema up to date, %s\n", name, cfg.Database.Backend, state)
			}
			return nil
		},
	}
}
