package main

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"continuum/cmd/identity/ids"
	"continuum/cmd/internal/app"
	"continuum/cmd/internal/auth/credential"
)

type mintedToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Format    string    `json:"format"`
}

func newTokenCmd(configPath *string) *cobra.Command {
	var id credential.Identity

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development credential signed with the configured secret",
		Long: `Prints a credential as JSON. Without --session a new session id is generated; the
session itself is created when the first device authenticates.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return errors.New("refusing to mint credentials with CONTINUUM_ENV=production")
			}
			if strings.TrimSpace(id.SessionID) == "" {
				id.SessionID = ids.NewSessionID()
			}

			creds, err := app.NewCredentials(cfg.Auth)
			if err != nil {
				return err
			}
			tok, exp, err := creds.Issue(id, time.Now().UTC())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(mintedToken{
				Token:     tok,
				UserID:    id.UserID,
				DeviceID:  id.DeviceID,
				SessionID: id.SessionID,
				ExpiresAt: exp,
				Format:    creds.Format(),
			})
		},
	}
	cmd.Flags().StringVar(&id.UserID, "user", "dev-user", "user id")
	cmd.Flags().StringVar(&id.DeviceID, "device", "dev-device", "device id")
	cmd.Flags().StringVar(&id.SessionID, "session", "", "session id (default: new)")
	cmd.Flags().StringVar(&id.Email, "email", "", "optional email claim")
	return cmd
}
