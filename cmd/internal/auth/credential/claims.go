package credential

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// Identity is what a credential asserts about its bearer.
type Identity struct {
	UserID    string
	Email     string
	DeviceID  string
	SessionID string
}

func (id Identity) valid() bool {
	return strings.TrimSpace(id.UserID) != "" &&
		strings.TrimSpace(id.DeviceID) != "" &&
		strings.TrimSpace(id.SessionID) != ""
}

// Claims is a verified credential.
type Claims struct {
	Identity
	ID        string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues and verifies credentials.
type Manager interface {
	Issue(id Identity, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (Claims, error)
	Format() string
}

// Refresh verifies tok and mints a replacement with the same identity and refreshed iat/exp.
func Refresh(m Manager, tok string, now time.Time) (Claims, string, time.Time, error) {
	claims, err := m.Verify(tok, now)
	if err != nil {
		return Claims{}, "", time.Time{}, err
	}
	next, exp, err := m.Issue(claims.Identity, now)
	if err != nil {
		return Claims{}, "", time.Time{}, err
	}
	return claims, next, exp, nil
}

func newJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
