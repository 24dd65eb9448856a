// Package main é o ponto de entrada do wabridge, a ponte WhatsApp das
// galerias de eventos.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/wabridge/cmd/wabridge/commands"
)

// version é injetado em build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
