package credential

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

const pasetoV4PublicPrefix = "v4.public."

// PasetoManager issues PASETO v4.public credentials signed with an Ed25519 key.
type PasetoManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoManager builds a PasetoManager from cfg.PasetoSecretKeyHex.
func NewPasetoManager(cfg Config) (*PasetoManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoSecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	if cfg.TTL <= 0 {
		return nil, ErrConfig
	}
	return &PasetoManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.TTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

func (m *PasetoManager) Format() string { return FormatPaseto }

// PublicKeyHex exports the verification key for out-of-process verifiers.
func (m *PasetoManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *PasetoManager) Issue(id Identity, now time.Time) (string, time.Time, error) {
	if !id.valid() {
		return "", time.Time{}, ErrConfig
	}
	jti, err := newJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now = now.UTC()
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetJti(jti)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetSubject(id.UserID)
	tok.SetString("user_id", id.UserID)
	tok.SetString("email", id.Email)
	tok.SetString("device_id", id.DeviceID)
	tok.SetString("session_id", id.SessionID)

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *PasetoManager) Verify(tok string, now time.Time) (Claims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Claims{}, reject(ReasonMissing)
	}
	if !strings.HasPrefix(tok, pasetoV4PublicPrefix) {
		return Claims{}, reject(ReasonMalformed)
	}

	// Expiry is checked below against the caller's clock, not the wall clock.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))

	parsed, err := p.ParseV4Public(m.public, tok, nil)
	if err != nil {
		return Claims{}, reject(ReasonBadSignature)
	}

	exp, err := parsed.GetExpiration()
	if err != nil {
		return Claims{}, reject(ReasonClaims)
	}
	if !now.Before(exp.Add(m.clockSkew)) {
		return Claims{}, reject(ReasonExpired)
	}
	iat, err := parsed.GetIssuedAt()
	if err != nil || iat.After(now.Add(m.clockSkew)) {
		return Claims{}, reject(ReasonClaims)
	}

	iss, _ := parsed.GetIssuer()
	jti, _ := parsed.GetJti()
	out := Claims{
		ID:        jti,
		Issuer:    iss,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}
	out.UserID, _ = parsed.GetString("user_id")
	out.Email, _ = parsed.GetString("email")
	out.DeviceID, _ = parsed.GetString("device_id")
	out.SessionID, _ = parsed.GetString("session_id")

	if !out.Identity.valid() {
		return Claims{}, reject(ReasonClaims)
	}
	return out, nil
}
