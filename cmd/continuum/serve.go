package main

import (
	"github.com/spf13/cobra"

	"continuum/cmd/internal/app"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return app.Run(*configPath)
		},
	}
}
