package handoff

import "errors"

var (
	ErrNotFound          = errors.New("handoff not found")
	ErrInvalidInput      = errors.New("invalid handoff input")
	ErrInvalidTransition = errors.New("invalid handoff transition")
	ErrForbidden         = errors.New("handoff belongs to another user")
	ErrRateLimited       = errors.New("too many redeem attempts")
)

// ErrTokenInvalid is returned for unknown, expired, or already redeemed tokens.
var ErrTokenInvalid = errors.New("handoff token invalid")

// TokenError tells the caller to start a fresh session instead of retrying the same token.
type TokenError struct {
	Reason       string
	FreshSession bool
}

func (e *TokenError) Error() string { return ErrTokenInvalid.Error() + ": " + e.Reason }

func (e *TokenError) Unwrap() error { return ErrTokenInvalid }

func invalidToken(reason string) error {
	return &TokenError{Reason: reason, FreshSession: true}
}
