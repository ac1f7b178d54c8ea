package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"continuum/cmd/identity/ids"
	"continuum/cmd/internal/app"
	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/internal/handoff"
)

type handoffQROptions struct {
	URL        string
	Token      string
	SessionID  string
	NewSession bool
	Count      int
}

func newHandoffCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Move a session between devices",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newHandoffQRCmd(configPath))
	return cmd
}

func newHandoffQRCmd(configPath *string) *cobra.Command {
	opts := handoffQROptions{}
	var id credential.Identity

	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Show a rotating handoff QR code for a session",
		Long: `Streams handoff tickets for a session from a running server and draws each one as a
QR code in the terminal. The server replaces the ticket every handoff.token_rotation and
only the ticket on screen can be redeemed.

Pass --token to use an existing credential. Otherwise one is minted locally with the
configured secret, which the server must share. --new-session creates the session first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.Token) == "" {
				cfg, err := app.LoadConfig(*configPath)
				if err != nil {
					return err
				}
				if cfg.IsProduction() {
					return errors.New("refusing to mint credentials with CONTINUUM_ENV=production; pass --token")
				}
				if strings.TrimSpace(opts.SessionID) == "" && !opts.NewSession {
					return errors.New("--session or --new-session is required without --token")
				}
				creds, err := app.NewCredentials(cfg.Auth)
				if err != nil {
					return err
				}
				id.SessionID = opts.SessionID
				if id.SessionID == "" {
					id.SessionID = ids.NewSessionID()
				}
				tok, _, err := creds.Issue(id, time.Now().UTC())
				if err != nil {
					return err
				}
				opts.Token = tok
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHandoffQR(ctx, opts, http.DefaultClient, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&opts.Token, "token", "", "credential to present (default: mint one locally)")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session to hand off (default: the credential's session)")
	cmd.Flags().BoolVar(&opts.NewSession, "new-session", false, "create a session first and hand that one off")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "stop after this many tickets (0: until interrupted)")
	cmd.Flags().StringVar(&id.UserID, "user", "dev-user", "user id for a locally minted credential")
	cmd.Flags().StringVar(&id.DeviceID, "device", "dev-device", "device id for a locally minted credential")
	return cmd
}

func runHandoffQR(ctx context.Context, opts handoffQROptions, client *http.Client, out io.Writer) error {
	base, err := url.Parse(opts.URL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return fmt.Errorf("invalid url %q: want http(s)://host[:port]", opts.URL)
	}
	if client == nil {
		client = http.DefaultClient
	}

	tok, sessionID := opts.Token, opts.SessionID
	if opts.NewSession {
		created, err := createSession(ctx, client, base, tok)
		if err != nil {
			return err
		}
		tok, sessionID = created.Token, created.SessionID
		fmt.Fprintf(out, "created session %s\n", sessionID)
	}

	streamURL := base.JoinPath("v1", "handoffs", "qr", "stream")
	if sessionID != "" {
		q := streamURL.Query()
		q.Set("session_id", sessionID)
		streamURL.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/x-ndjson")

	res, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open ticket stream: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return statusError("open ticket stream", res)
	}

	dec := json.NewDecoder(res.Body)
	for shown := 0; opts.Count <= 0 || shown < opts.Count; shown++ {
		var ticket handoff.Ticket
		if err := dec.Decode(&ticket); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read ticket: %w", err)
		}
		qr, err := ticket.Terminal()
		if err != nil {
			return fmt.Errorf("render ticket %s: %w", ticket.ID, err)
		}
		fmt.Fprintf(out, "handoff ticket %s for session %s, expires %s\n",
			ticket.ID, ticket.SessionID, ticket.ExpiresAt.Local().Format(time.TimeOnly))
		fmt.Fprint(out, qr)
		fmt.Fprintf(out, "%s\n\n", ticket.URI)
	}
	return nil
}

type createdSession struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

func createSession(ctx context.Context, client *http.Client, base *url.URL, tok string) (createdSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("v1", "sessions").String(), nil)
	if err != nil {
		return createdSession{}, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	res, err := client.Do(req)
	if err != nil {
		return createdSession{}, fmt.Errorf("create session: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusCreated {
		return createdSession{}, statusError("create session", res)
	}

	var out createdSession
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return createdSession{}, fmt.Errorf("create session: decode: %w", err)
	}
	if out.SessionID == "" || out.Token == "" {
		return createdSession{}, errors.New("create session: empty response")
	}
	return out, nil
}

func statusError(op string, res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	return fmt.Errorf("%s: %s: %s", op, res.Status, strings.TrimSpace(string(body)))
}
