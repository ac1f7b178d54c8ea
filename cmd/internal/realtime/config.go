package realtime

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	maxPingFailures = 3
)

// GatewayConfig holds the transport policy of the gateway.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	MaxFrameBytes int64
	SendQueueSize int

	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	AuthTimeout      time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		MaxFrameBytes:    defaultMaxFrameBytes,
		SendQueueSize:    defaultSendQueueSize,
		WriteTimeout:     defaultWriteTimeout,
		ReadIdleTimeout:  defaultReadIdle,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		AuthTimeout:      authTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// normalized replaces invalid values with defaults.
func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// ---- origin policy ----

func enforceOrigin(origin string, required bool, allowed []string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if required {
			return errMissingOrigin
		}
		return nil
	}

	if len(allowed) == 0 {
		return errOriginNotAllowed
	}

	originHost := originHostOnly(origin)

	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return errOriginNotAllowed
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept OriginPatterns from the allowlist so both layers agree.
// Accept matches patterns against host:port, so each host is also emitted with a port wildcard.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
