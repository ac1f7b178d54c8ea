package app

import (
	"errors"
	"fmt"
	"strings"

	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/security/token"
)

const (
	purposeCredential   = "continuum/credential/hs256"
	purposeHandoffToken = "continuum/handoff/token-hash"
)

// ValidateSecurityConfig enforces the security policy at startup.
//
// Fail-fast: a server that would silently fall back to weaker crypto refuses to start.
func ValidateSecurityConfig(cfg Config) error {
	a := cfg.Auth
	secret := []byte(a.Secret)

	switch a.Format {
	case "", credential.FormatJWT:
		if err := token.ValidateKey(secret, token.MinHMACKeyBytes); err != nil {
			return secretPolicyError("auth.format=jwt", err)
		}
	case credential.FormatPaseto:
		if strings.TrimSpace(a.PasetoSecretKeyHex) == "" {
			return errors.New("security policy: CONTINUUM_AUTH_FORMAT=paseto but CONTINUUM_AUTH_PASETO_SECRET_KEY is missing")
		}
	default:
		return fmt.Errorf("security policy: unknown credential format %q", a.Format)
	}

	if a.RequireTokenHMAC {
		if err := token.ValidateKey(secret, token.MinHMACKeyBytes); err != nil {
			return secretPolicyError("CONTINUUM_AUTH_REQUIRE_TOKEN_HMAC=true", err)
		}
		h, err := HandoffHasher(a)
		if err != nil {
			return err
		}
		// The hasher handed to the token issuer must be the keyed one.
		if !h.HMACEnabled() {
			return errors.New("security policy: CONTINUUM_AUTH_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
		}
	}

	if cfg.IsProduction() && cfg.Gateway.DevInsecure {
		return errors.New("security policy: CONTINUUM_WS_DEV_INSECURE must not be set in production")
	}
	if cfg.IsProduction() && !cfg.Gateway.OriginRequired {
		return errors.New("security policy: CONTINUUM_WS_ORIGIN_REQUIRED must be true in production")
	}
	return nil
}

func secretPolicyError(ctx string, err error) error {
	switch {
	case errors.Is(err, token.ErrHMACKeyMissing):
		return fmt.Errorf("security policy: %s but CONTINUUM_AUTH_SECRET is missing", ctx)
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return fmt.Errorf("security policy: %s but CONTINUUM_AUTH_SECRET is too short (min %d bytes)", ctx, token.MinHMACKeyBytes)
	default:
		return err
	}
}

// NewCredentials builds the credential Manager described by cfg. The HS256 key is derived
// from the master secret so the raw secret never signs anything directly.
func NewCredentials(cfg AuthConfig) (credential.Manager, error) {
	cc := credential.Config{
		Format:             cfg.Format,
		Issuer:             cfg.Issuer,
		TTL:                cfg.TTL,
		ClockSkew:          cfg.ClockSkew,
		PasetoSecretKeyHex: cfg.PasetoSecretKeyHex,
	}
	if cfg.Format == "" || cfg.Format == credential.FormatJWT {
		key, err := token.DeriveKey([]byte(cfg.Secret), purposeCredential, 32)
		if err != nil {
			return nil, fmt.Errorf("derive credential key: %w", err)
		}
		cc.JWTKey = key
	}
	return credential.New(cc)
}

// HandoffHasher returns the hasher used to store handoff tokens at rest.
// Without a secret it is the unkeyed SHA-256 hasher, which ValidateSecurityConfig rejects
// when HMAC is required.
func HandoffHasher(cfg AuthConfig) (token.Hasher, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return token.NewHasher(nil, cfg.RequireTokenHMAC)
	}
	key, err := token.DeriveKey([]byte(cfg.Secret), purposeHandoffToken, 32)
	if err != nil {
		return token.Hasher{}, fmt.Errorf("derive handoff token key: %w", err)
	}
	return token.NewHasher(key, cfg.RequireTokenHMAC)
}
