package credential

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minJWTKeyBytes = 32

type jwtClaims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
}

// JWTManager issues HS256 JWT credentials.
type JWTManager struct {
	key       []byte
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
}

// NewJWTManager builds a JWTManager. The key must be at least 32 bytes.
func NewJWTManager(cfg Config) (*JWTManager, error) {
	if len(cfg.JWTKey) < minJWTKeyBytes || cfg.TTL <= 0 {
		return nil, ErrConfig
	}
	return &JWTManager{
		key:       append([]byte(nil), cfg.JWTKey...),
		issuer:    cfg.Issuer,
		ttl:       cfg.TTL,
		clockSkew: cfg.ClockSkew,
	}, nil
}

func (m *JWTManager) Format() string { return FormatJWT }

func (m *JWTManager) Issue(id Identity, now time.Time) (string, time.Time, error) {
	if !id.valid() {
		return "", time.Time{}, ErrConfig
	}
	jti, err := newJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now = now.UTC()
	exp := now.Add(m.ttl)

	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   id.UserID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID:    id.UserID,
		Email:     id.Email,
		DeviceID:  id.DeviceID,
		SessionID: id.SessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (m *JWTManager) Verify(tok string, now time.Time) (Claims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Claims{}, reject(ReasonMissing)
	}

	parsed, err := jwt.ParseWithClaims(tok, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, reject(ReasonExpired)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return Claims{}, reject(ReasonBadSignature)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Claims{}, reject(ReasonMalformed)
		default:
			return Claims{}, reject(ReasonClaims)
		}
	}

	c, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid {
		return Claims{}, reject(ReasonClaims)
	}
	out := Claims{
		Identity: Identity{
			UserID:    c.UserID,
			Email:     c.Email,
			DeviceID:  c.DeviceID,
			SessionID: c.SessionID,
		},
		ID:     c.ID,
		Issuer: c.Issuer,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	if !out.Identity.valid() {
		return Claims{}, reject(ReasonClaims)
	}
	return out, nil
}
