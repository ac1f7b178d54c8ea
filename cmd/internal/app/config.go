package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/internal/conflict"
	"continuum/cmd/internal/handoff"
	"continuum/cmd/internal/realtime"
	"continuum/cmd/internal/state"
)

const (
	envPrefix     = "CONTINUUM"
	envConfigFile = "CONTINUUM_CONFIG_FILE"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Config is the full server configuration.
type Config struct {
	// Env is the deployment environment ("development", "production").
	Env       string
	LogLevel  string
	LogFormat string

	HTTP      HTTPConfig
	Gateway   realtime.GatewayConfig
	Auth      AuthConfig
	State     StateConfig
	Handoff   HandoffConfig
	Telemetry TelemetryConfig
}

type HTTPConfig struct {
	Addr string

	// PublicBaseURL is used when printing connect hints. Derived from Addr when empty.
	PublicBaseURL string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	TrustProxy   bool
	MaxBodyBytes int64

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

type AuthConfig struct {
	Format string
	Issuer string

	// Secret is the master secret. Credential and handoff token keys are derived from it.
	Secret string

	// PasetoSecretKeyHex is required when Format is "paseto".
	PasetoSecretKeyHex string

	TTL       time.Duration
	ClockSkew time.Duration

	// RequireTokenHMAC rejects startup unless handoff tokens are hashed with a keyed HMAC.
	RequireTokenHMAC bool
}

type StateConfig struct {
	Backend       string
	TTL           time.Duration
	SweepInterval time.Duration
	MaxKeys       int
	MaxKeyLen     int

	DatabaseURL        string
	Schema             string
	AutoMigrate        bool
	DBMaxConns         int32
	DBMinConns         int32
	ReadinessRequireDB bool

	BadgerPath       string
	BadgerSyncWrites bool
	BadgerGCInterval time.Duration
}

type HandoffConfig struct {
	RequestTTL      time.Duration
	TransferTimeout time.Duration
	TokenTTL        time.Duration
	TokenRotation   time.Duration
	SweepInterval   time.Duration

	RedeemPerMinute int
	RedeemBurst     int

	QRSize          int
	ConflictLogSize int
}

type TelemetryConfig struct {
	MetricsEnabled bool

	// TraceExporter is "none" or "stdout".
	TraceExporter string
	ServiceName   string
}

// LoadConfig reads configuration from CONTINUUM_* environment variables and, when path
// (or CONTINUUM_CONFIG_FILE) names a file, from that file first. Env always wins.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigFile))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	return fromSource(source{v: v})
}

func fromSource(s source) (Config, error) {
	gw := realtime.DefaultGatewayConfig()
	cred := credential.DefaultConfig()

	cfg := Config{
		Env:       s.String("env", "development"),
		LogLevel:  s.String("log.level", "info"),
		LogFormat: strings.ToLower(s.String("log.format", "json")),

		HTTP: HTTPConfig{
			Addr:                 s.String("http.addr", "0.0.0.0:8080"),
			PublicBaseURL:        s.String("http.public_base_url", ""),
			ReadHeaderTimeout:    s.Duration("http.read_header_timeout", 5*time.Second),
			ShutdownTimeout:      s.Duration("http.shutdown_timeout", 10*time.Second),
			TrustProxy:           s.Bool("http.trust_proxy", false),
			MaxBodyBytes:         int64(s.Int("http.max_body_bytes", 1<<20)),
			CORSAllowedOrigins:   s.List("http.cors_allowed_origins", nil),
			CORSAllowCredentials: s.Bool("http.cors_allow_credentials", false),
			CORSMaxAgeSeconds:    s.Int("http.cors_max_age_seconds", 600),
		},

		Gateway: realtime.GatewayConfig{
			DevInsecure:      s.Bool("ws.dev_insecure", false),
			OriginRequired:   s.Bool("ws.origin_required", gw.OriginRequired),
			AllowedOrigins:   s.List("ws.allowed_origins", gw.AllowedOrigins),
			MaxFrameBytes:    int64(s.Int("ws.max_frame_bytes", int(gw.MaxFrameBytes))),
			SendQueueSize:    s.Int("ws.send_queue_size", gw.SendQueueSize),
			WriteTimeout:     s.Duration("ws.write_timeout", gw.WriteTimeout),
			ReadIdleTimeout:  s.Duration("ws.read_idle_timeout", gw.ReadIdleTimeout),
			HeartbeatEvery:   s.Duration("ws.heartbeat_every", gw.HeartbeatEvery),
			HeartbeatTimeout: s.Duration("ws.heartbeat_timeout", gw.HeartbeatTimeout),
			AuthTimeout:      s.Duration("ws.auth_timeout", gw.AuthTimeout),
			RateEvents:       s.Int("ws.rate_events", gw.RateEvents),
			RateWindow:       s.Duration("ws.rate_window", gw.RateWindow),
		},

		Auth: AuthConfig{
			Format:             strings.ToLower(s.String("auth.format", cred.Format)),
			Issuer:             s.String("auth.issuer", cred.Issuer),
			Secret:             s.String("auth.secret", ""),
			PasetoSecretKeyHex: s.String("auth.paseto_secret_key", ""),
			TTL:                s.Duration("auth.ttl", cred.TTL),
			ClockSkew:          s.Duration("auth.clock_skew", cred.ClockSkew),
			RequireTokenHMAC:   s.Bool("auth.require_token_hmac", true),
		},

		State: StateConfig{
			Backend:            strings.ToLower(s.String("state.backend", BackendMemory)),
			TTL:                s.Duration("state.ttl", state.DefaultTTL),
			SweepInterval:      s.Duration("state.sweep_interval", time.Minute),
			MaxKeys:            s.Int("state.max_keys", state.DefaultMaxKeys),
			MaxKeyLen:          s.Int("state.max_key_len", state.DefaultMaxKeyLen),
			DatabaseURL:        s.String("database_url", ""),
			Schema:             s.String("state.schema", state.DefaultSchema),
			AutoMigrate:        s.Bool("state.auto_migrate", false),
			DBMaxConns:         s.Int32("db.max_conns", 10),
			DBMinConns:         s.Int32("db.min_conns", 0),
			ReadinessRequireDB: s.Bool("readiness_require_db", false),
			BadgerPath:         s.String("state.badger_path", "./data/continuum"),
			BadgerSyncWrites:   s.Bool("state.badger_sync_writes", false),
			BadgerGCInterval:   s.Duration("state.badger_gc_interval", 10*time.Minute),
		},

		Handoff: HandoffConfig{
			RequestTTL:      s.Duration("handoff.request_ttl", handoff.DefaultTTL),
			TransferTimeout: s.Duration("handoff.transfer_timeout", handoff.DefaultTransferTimeout),
			TokenTTL:        s.Duration("handoff.token_ttl", handoff.DefaultTokenTTL),
			TokenRotation:   s.Duration("handoff.token_rotation", handoff.DefaultTokenRotation),
			SweepInterval:   s.Duration("handoff.sweep_interval", 30*time.Second),
			RedeemPerMinute: s.Int("handoff.redeem_per_minute", 30),
			RedeemBurst:     s.Int("handoff.redeem_burst", 5),
			QRSize:          s.Int("handoff.qr_size", 256),
			ConflictLogSize: s.Int("conflict.log_size", conflict.DefaultLogSize),
		},

		Telemetry: TelemetryConfig{
			MetricsEnabled: s.Bool("metrics.enabled", true),
			TraceExporter:  strings.ToLower(s.String("trace.exporter", "none")),
			ServiceName:    s.String("service_name", "continuum"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LogFormat {
	case "json", "pretty", "text":
	default:
		return fmt.Errorf("config: CONTINUUM_LOG_FORMAT must be json, pretty or text, got %q", c.LogFormat)
	}
	switch c.State.Backend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if c.State.DatabaseURL == "" {
			return fmt.Errorf("config: CONTINUUM_STATE_BACKEND=postgres requires CONTINUUM_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown state backend %q", c.State.Backend)
	}
	switch c.Telemetry.TraceExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("config: unknown trace exporter %q", c.Telemetry.TraceExporter)
	}
	if c.State.DBMinConns > c.State.DBMaxConns {
		return fmt.Errorf("config: CONTINUUM_DB_MIN_CONNS exceeds CONTINUUM_DB_MAX_CONNS")
	}
	return nil
}

// IsProduction reports whether Env names a production deployment.
func (c Config) IsProduction() bool {
	switch strings.ToLower(c.Env) {
	case "prod", "production":
		return true
	}
	return false
}
