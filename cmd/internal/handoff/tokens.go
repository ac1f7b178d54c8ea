package handoff

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"continuum/cmd/identity/ids"
	"continuum/cmd/internal/state"
	"continuum/cmd/security/token"
)

const (
	DefaultTokenTTL      = 5 * time.Minute
	DefaultTokenRotation = 5 * time.Minute

	defaultTokenBytes = 32
	qrPNGSize         = 256
)

// Ticket is an issued handoff token. Token is only returned once; it is stored hashed.
type Ticket struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	URI       string    `json:"uri"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PNG renders the ticket URI as a QR code image.
func (t Ticket) PNG(size int) ([]byte, error) {
	if size <= 0 {
		size = qrPNGSize
	}
	return qrcode.Encode(t.URI, qrcode.Medium, size)
}

// Terminal renders the ticket URI as a QR code made of block characters.
func (t Ticket) Terminal() (string, error) {
	qr, err := qrcode.New(t.URI, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

// TokenInput describes a token issue.
type TokenInput struct {
	UserID         string
	SessionID      string
	SourceDeviceID string
	Now            time.Time
}

// RedeemInput describes a token redemption by a target connection.
type RedeemInput struct {
	Token  string
	Remote string
	Target state.Subscriber
	Now    time.Time
}

type ticketRecord struct {
	id             string
	userID         string
	sessionID      string
	sourceDeviceID string
	expiresAt      time.Time
}

// Tokens issues and redeems single-use handoff tokens.
type Tokens struct {
	orch     *Orchestrator
	hasher   token.Hasher
	ttl      time.Duration
	rotation time.Duration
	limiter  *keyedLimiter

	mu     sync.Mutex
	byHash map[string]ticketRecord
	byID   map[string]string
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens) error

// WithTokenTTL sets how long an issued token stays redeemable.
func WithTokenTTL(d time.Duration) TokenOption {
	return func(t *Tokens) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		t.ttl = d
		return nil
	}
}

// WithRotation sets how often Display replaces the shown token.
func WithRotation(d time.Duration) TokenOption {
	return func(t *Tokens) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		t.rotation = d
		return nil
	}
}

// WithRedeemLimit sets the per-remote redeem rate.
func WithRedeemLimit(limit rate.Limit, burst int) TokenOption {
	return func(t *Tokens) error {
		if limit <= 0 || burst <= 0 {
			return ErrInvalidInput
		}
		t.limiter = newKeyedLimiter(limit, burst)
		return nil
	}
}

// NewTokens builds the token issuer on top of orch. Tokens are hashed with hasher.
func NewTokens(orch *Orchestrator, hasher token.Hasher, opts ...TokenOption) (*Tokens, error) {
	if orch == nil {
		return nil, ErrInvalidInput
	}
	t := &Tokens{
		orch:     orch,
		hasher:   hasher,
		ttl:      DefaultTokenTTL,
		rotation: DefaultTokenRotation,
		limiter:  newKeyedLimiter(defaultRedeemRate, defaultRedeemBurst),
		byHash:   make(map[string]ticketRecord),
		byID:     make(map[string]string),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Issue creates a token bound to a session and its source device.
func (t *Tokens) Issue(ctx context.Context, in TokenInput) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	in.UserID = strings.TrimSpace(in.UserID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.SourceDeviceID = strings.TrimSpace(in.SourceDeviceID)
	if in.UserID == "" || in.SessionID == "" || in.SourceDeviceID == "" {
		return Ticket{}, ErrInvalidInput
	}

	snap, err := t.orch.reg.Snapshot(ctx, in.SessionID)
	if err != nil {
		return Ticket{}, err
	}
	if snap.UserID != "" && snap.UserID != in.UserID {
		return Ticket{}, ErrForbidden
	}

	now := in.Now
	if now.IsZero() {
		now = t.orch.now()
	}
	plain, err := token.NewOpaque(defaultTokenBytes)
	if err != nil {
		return Ticket{}, err
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Ticket{}, err
	}
	exp := now.Add(t.ttl)
	hash := t.hasher.Hash(plain)

	t.mu.Lock()
	t.byHash[hash] = ticketRecord{
		id:             id,
		userID:         in.UserID,
		sessionID:      in.SessionID,
		sourceDeviceID: in.SourceDeviceID,
		expiresAt:      exp,
	}
	t.byID[id] = hash
	t.mu.Unlock()

	t.orch.log.Info("handoff.token.issue", "ticket_id", id, "session_id", in.SessionID, "expires_at", exp)
	return Ticket{ID: id, Token: plain, URI: tokenURI(plain, exp), SessionID: in.SessionID, ExpiresAt: exp}, nil
}

func tokenURI(plain string, exp time.Time) string {
	q := url.Values{}
	q.Set("token", plain)
	q.Set("exp", strconv.FormatInt(exp.Unix(), 10))
	return "continuum://handoff?" + q.Encode()
}

// Revoke invalidates a ticket by id. Unknown ids are ignored.
func (t *Tokens) Revoke(ticketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hash, ok := t.byID[ticketID]; ok {
		delete(t.byHash, hash)
		delete(t.byID, ticketID)
	}
}

// Display issues a token, hands it to show, and replaces it every rotation until ctx is done.
// The previous token stops being redeemable as soon as its replacement is issued.
func (t *Tokens) Display(ctx context.Context, in TokenInput, show func(Ticket)) error {
	if show == nil {
		return ErrInvalidInput
	}
	in.Now = time.Time{}

	cur, err := t.Issue(ctx, in)
	if err != nil {
		return err
	}
	defer func() { t.Revoke(cur.ID) }()
	show(cur)

	tick := time.NewTicker(t.rotation)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if ctx.Err() != nil {
				return nil
			}
			next, err := t.Issue(ctx, in)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			t.Revoke(cur.ID)
			cur = next
			show(cur)
		}
	}
}

// Redeem consumes a token and hands its session to the target connection. It is the same as
// Initiate followed by Accept. A token is consumed by the first attempt that finds it.
func (t *Tokens) Redeem(ctx context.Context, in RedeemInput) (Request, error) {
	if in.Target == nil {
		return Request{}, ErrInvalidInput
	}
	now := in.Now
	if now.IsZero() {
		now = t.orch.now()
	}

	_, span := t.orch.tracer.Start(ctx, "handoff.redeem", trace.WithAttributes(
		attribute.String("device.target", in.Target.DeviceID()),
	))
	defer span.End()

	if !t.limiter.Allow(in.Remote, now) {
		t.orch.observer.TokenRedeemed("rate_limited")
		return Request{}, ErrRateLimited
	}

	plain := strings.TrimSpace(in.Token)
	if plain == "" {
		t.orch.observer.TokenRedeemed("invalid")
		return Request{}, invalidToken("missing token")
	}
	hash := t.hasher.Hash(plain)

	t.mu.Lock()
	rec, ok := t.byHash[hash]
	if ok {
		delete(t.byHash, hash)
		delete(t.byID, rec.id)
	}
	t.mu.Unlock()

	if !ok {
		t.orch.observer.TokenRedeemed("invalid")
		return Request{}, invalidToken("unknown or already used")
	}
	if !now.Before(rec.expiresAt) {
		t.orch.observer.TokenRedeemed("expired")
		return Request{}, invalidToken("expired")
	}
	if in.Target.UserID() != rec.userID {
		t.orch.observer.TokenRedeemed("forbidden")
		return Request{}, ErrForbidden
	}
	span.SetAttributes(attribute.String("session.id", rec.sessionID))

	req, err := t.orch.Initiate(ctx, InitiateInput{
		UserID:         rec.userID,
		SessionID:      rec.sessionID,
		SourceDeviceID: rec.sourceDeviceID,
		TargetDeviceID: in.Target.DeviceID(),
		Now:            now,
	})
	if err != nil {
		t.orch.observer.TokenRedeemed("failed")
		return Request{}, err
	}
	req, err = t.orch.Accept(ctx, req.ID, in.Target)
	if err != nil {
		t.orch.observer.TokenRedeemed("failed")
		return Request{}, err
	}
	t.orch.observer.TokenRedeemed("ok")
	return req, nil
}

// Sweep drops expired tokens and idle limiter buckets.
func (t *Tokens) Sweep(now time.Time) int {
	if now.IsZero() {
		now = t.orch.now()
	}
	removed := 0
	t.mu.Lock()
	for hash, rec := range t.byHash {
		if !now.Before(rec.expiresAt) {
			delete(t.byHash, hash)
			delete(t.byID, rec.id)
			removed++
		}
	}
	t.mu.Unlock()
	t.limiter.prune(now)
	return removed
}
