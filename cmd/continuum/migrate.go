package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"continuum/cmd/internal/app"
	"continuum/cmd/internal/state"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the Postgres session schema",
		Long:      `Runs the embedded migrations against CONTINUUM_DATABASE_URL in CONTINUUM_STATE_SCHEMA.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.State.DatabaseURL == "" {
				return errors.New("CONTINUUM_DATABASE_URL is not set")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, err := app.NewDBPool(ctx, cfg.State)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			if err := state.Migrate(ctx, pool, cfg.State.DatabaseURL, cfg.State.Schema, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok (schema %s)\n", args[0], cfg.State.Schema)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall migration timeout")
	return cmd
}
