package syncclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "continuum/shared/contracts/continuum/v1"
)

const (
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultMultiplier     = 2.0
	DefaultMaxAttempts    = 8

	defaultHandshakeTimeout = 7 * time.Second
	defaultReadLimit        = 1 << 20
)

// Conflict is reported when the recovered snapshot differs from what the client last knew.
type Conflict struct {
	SessionID string
	Keys      []string
	Local     map[string]json.RawMessage
	Remote    map[string]json.RawMessage
}

// Config configures a Client.
type Config struct {
	// URL is the ws:// or wss:// address of the realtime endpoint.
	URL    string
	Origin string
	Token  string

	HTTPClient *http.Client

	// HandshakeTimeout bounds one dial + auth + snapshot attempt.
	HandshakeTimeout time.Duration
	ReadLimit        int64

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxAttempts    uint

	Logger *slog.Logger

	OnUpdate      func(v1.StateUpdatePayload)
	OnHandoff     func(v1.HandoffProgressPayload)
	OnStateChange func(State)
	OnConflict    func(Conflict)
}

func (c Config) normalized() (Config, error) {
	if err := validateWSURL(c.URL); err != nil {
		return c, fmt.Errorf("syncclient: invalid url: %w", err)
	}
	if err := validateOrigin(c.Origin); err != nil {
		return c, fmt.Errorf("syncclient: invalid origin: %w", err)
	}
	if strings.TrimSpace(c.Token) == "" {
		return c, errors.New("syncclient: token is required")
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}
