package credential

import (
	"strings"
	"time"
)

const (
	FormatJWT    = "jwt"
	FormatPaseto = "paseto"
)

// Config selects and tunes the credential Manager.
type Config struct {
	// Format is FormatJWT (default) or FormatPaseto.
	Format string

	// Issuer is set in and required from the "iss" claim.
	Issuer string

	// TTL is the lifetime of every issued credential.
	TTL time.Duration

	// ClockSkew is tolerated when checking iat/exp.
	ClockSkew time.Duration

	// JWTKey signs HS256 credentials. Must be at least 32 bytes.
	JWTKey []byte

	// PasetoSecretKeyHex is the hex Ed25519 secret for v4.public credentials.
	PasetoSecretKeyHex string
}

// DefaultConfig returns development defaults. Keys are never defaulted.
func DefaultConfig() Config {
	return Config{
		Format:    FormatJWT,
		Issuer:    "continuum",
		TTL:       15 * time.Minute,
		ClockSkew: 30 * time.Second,
	}
}

// New builds the Manager named by cfg.Format.
func New(cfg Config) (Manager, error) {
	if cfg.TTL <= 0 || strings.TrimSpace(cfg.Issuer) == "" || cfg.ClockSkew < 0 {
		return nil, ErrConfig
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatJWT:
		return NewJWTManager(cfg)
	case FormatPaseto:
		return NewPasetoManager(cfg)
	default:
		return nil, ErrConfig
	}
}
