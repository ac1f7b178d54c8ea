package credential

import (
	"errors"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = Identity{
	UserID:    "user-1",
	Email:     "user@example.com",
	DeviceID:  "laptop",
	SessionID: "6f1c7a44-2f0b-4a49-9a3f-6b1f5f0c9f10",
}

func managers(t *testing.T) map[string]Manager {
	t.Helper()

	jwtCfg := DefaultConfig()
	jwtCfg.JWTKey = []byte(strings.Repeat("s", 32))
	jm, err := New(jwtCfg)
	require.NoError(t, err)

	pasetoCfg := DefaultConfig()
	pasetoCfg.Format = FormatPaseto
	pasetoCfg.PasetoSecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	pm, err := New(pasetoCfg)
	require.NoError(t, err)

	return map[string]Manager{FormatJWT: jm, FormatPaseto: pm}
}

func TestManager_IssueAndVerify(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			tok, exp, err := m.Issue(testIdentity, now)
			require.NoError(t, err)
			assert.True(t, exp.After(now))
			assert.Equal(t, name, m.Format())

			claims, err := m.Verify(tok, now.Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, testIdentity, claims.Identity)
			assert.NotEmpty(t, claims.ID)
			assert.Equal(t, "continuum", claims.Issuer)
		})
	}
}

func TestManager_Expired(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			tok, _, err := m.Issue(testIdentity, now)
			require.NoError(t, err)

			_, err = m.Verify(tok, now.Add(time.Hour))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidToken))
			assert.Equal(t, ReasonExpired, ReasonOf(err))
		})
	}
}

func TestManager_TamperedAndMissing(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			tok, _, err := m.Issue(testIdentity, now)
			require.NoError(t, err)

			tampered := tamper(tok)

			_, err = m.Verify(tampered, now)
			assert.ErrorIs(t, err, ErrInvalidToken)

			_, err = m.Verify("   ", now)
			assert.Equal(t, ReasonMissing, ReasonOf(err))

			_, err = m.Verify("garbage", now)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestRefresh_NewTokenDiffers(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			tok, _, err := m.Issue(testIdentity, now)
			require.NoError(t, err)

			claims, next, exp, err := Refresh(m, tok, now)
			require.NoError(t, err)
			assert.NotEqual(t, tok, next)
			assert.Equal(t, testIdentity, claims.Identity)
			assert.True(t, exp.After(now))

			again, err := m.Verify(next, now)
			require.NoError(t, err)
			assert.Equal(t, testIdentity, again.Identity)
		})
	}
}

func TestManager_CrossKeyRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTKey = []byte(strings.Repeat("a", 32))
	a, err := NewJWTManager(cfg)
	require.NoError(t, err)
	cfg.JWTKey = []byte(strings.Repeat("b", 32))
	b, err := NewJWTManager(cfg)
	require.NoError(t, err)

	tok, _, err := a.Issue(testIdentity, time.Now())
	require.NoError(t, err)
	_, err = b.Verify(tok, time.Now())
	assert.Equal(t, ReasonBadSignature, ReasonOf(err))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTKey = []byte("short")
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrConfig)

	cfg = DefaultConfig()
	cfg.Format = "pgp"
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrConfig)

	cfg = DefaultConfig()
	cfg.Format = FormatPaseto
	cfg.PasetoSecretKeyHex = "zz"
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestIssue_RequiresIdentity(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := m.Issue(Identity{UserID: "u"}, time.Now())
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

// tamper flips one base64 character in the middle of tok.
func tamper(tok string) string {
	i := len(tok) / 2
	for tok[i] == '.' {
		i++
	}
	b := []byte(tok)
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}
