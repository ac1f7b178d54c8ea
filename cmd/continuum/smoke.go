package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"continuum/cmd/identity/ids"
	"continuum/cmd/internal/app"
	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/internal/syncclient"
	v1 "continuum/shared/contracts/continuum/v1"
)

type smokeOptions struct {
	URL     string
	Origin  string
	UserID  string
	Timeout time.Duration
	Verbose bool
}

// mintFunc returns a credential for deviceID bound to sessionID.
type mintFunc func(deviceID, sessionID string) (string, error)

func newSmokeCmd(configPath *string) *cobra.Command {
	opts := smokeOptions{}

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run a two-device sync check against a running server",
		Long: `Connects two devices to a fresh session and verifies:
  - writes from one device are reflected in its snapshot (counter 1 then 2 reads 2)
  - a write from one device reaches the other within the timeout

Credentials are minted locally with the configured secret, so the server must share it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			creds, err := app.NewCredentials(cfg.Auth)
			if err != nil {
				return err
			}
			mint := func(deviceID, sessionID string) (string, error) {
				tok, _, err := creds.Issue(credential.Identity{
					UserID:    opts.UserID,
					DeviceID:  deviceID,
					SessionID: sessionID,
				}, time.Now().UTC())
				return tok, err
			}
			return runSmoke(cmd.Context(), opts, mint, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "ws://127.0.0.1:8080/ws", "websocket URL")
	cmd.Flags().StringVar(&opts.Origin, "origin", "http://localhost", "Origin header to send (browser-like handshake)")
	cmd.Flags().StringVar(&opts.UserID, "user", "smoke-user", "user id for both devices")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 7*time.Second, "per-step timeout")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	return cmd
}

func runSmoke(parent context.Context, opts smokeOptions, mint mintFunc, out io.Writer) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 7 * time.Second
	}
	logf := func(format string, args ...any) {
		if opts.Verbose {
			fmt.Fprintf(out, format+"\n", args...)
		}
	}

	sessionID := ids.NewSessionID()
	updates := make(chan v1.StateUpdatePayload, 16)

	laptop, err := smokeClient(parent, opts, mint, "smoke-laptop", sessionID, nil)
	if err != nil {
		return err
	}
	defer laptop.Close()

	phone, err := smokeClient(parent, opts, mint, "smoke-phone", sessionID, func(p v1.StateUpdatePayload) {
		select {
		case updates <- p:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer phone.Close()
	fmt.Fprintf(out, "connected: session=%s laptop=%s phone=%s\n", sessionID, laptop.DeviceID(), phone.DeviceID())

	// Scenario A: sequential writes from one device.
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()
	for _, v := range []string{"1", "2"} {
		if err := laptop.Set(ctx, "counter", json.RawMessage(v)); err != nil {
			return fmt.Errorf("set counter=%s: %w", v, err)
		}
		logf("laptop: set counter=%s", v)
	}
	snap, err := laptop.RequestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if got := string(snap.StateData["counter"]); got != "2" {
		return fmt.Errorf("scenario A: counter=%s want 2", got)
	}
	fmt.Fprintln(out, "scenario A: ok (counter=2)")

	// Scenario B: fan-out to the other device.
	if err := laptop.Set(ctx, "shared", json.RawMessage(`"x"`)); err != nil {
		return fmt.Errorf("set shared: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("scenario B: phone did not receive shared=\"x\": %w", ctx.Err())
		case p := <-updates:
			logf("phone: update %s=%s from %s", p.Key, p.Value, p.UpdatedBy)
			if p.Key == "shared" && string(p.Value) == `"x"` {
				fmt.Fprintln(out, `scenario B: ok (phone saw shared="x")`)
				fmt.Fprintf(out, "OK: session=%s\n", sessionID)
				return nil
			}
		}
	}
}

func smokeClient(ctx context.Context, opts smokeOptions, mint mintFunc, deviceID, sessionID string, onUpdate func(v1.StateUpdatePayload)) (*syncclient.Client, error) {
	tok, err := mint(deviceID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("mint %s: %w", deviceID, err)
	}
	c, err := syncclient.New(syncclient.Config{
		URL:              opts.URL,
		Origin:           opts.Origin,
		Token:            tok,
		HandshakeTimeout: opts.Timeout,
		MaxAttempts:      1,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnUpdate:         onUpdate,
	})
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := c.Connect(cctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", deviceID, err)
	}
	return c, nil
}
