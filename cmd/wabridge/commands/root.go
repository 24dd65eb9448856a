// Package commands implementa os comandos CLI do wabridge usando cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd cria o comando raiz com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wabridge",
		Short: "wabridge - WhatsApp bridge for event galleries",
		Long: `wabridge keeps one WhatsApp connection per tenant, relays pairing
codes and turns guest photos and messages into gallery records.

Examples:
  wabridge serve
  wabridge pair --tenant acme
  wabridge sessions
  wabridge logout --tenant acme`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newPairCmd(),
		newSessionsCmd(),
		newLogoutCmd(),
		newMigrateCmd(),
	)

	// Flags globais.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
