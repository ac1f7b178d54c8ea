// Command continuum runs the session sync server and its operator tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "continuum",
		Short: "Session continuity and multi-device sync server",
		Long: `continuum keeps one logical session alive across devices: a websocket gateway for
live state sync, a REST API for sessions, handoffs and devices, and tooling to operate it.

Configuration comes from CONTINUUM_* environment variables and an optional config file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml, json or env); overrides CONTINUUM_CONFIG_FILE")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newTokenCmd(&configPath),
		newSmokeCmd(&configPath),
		newHandoffCmd(&configPath),
	)
	return root
}
