package credential

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is the umbrella error for every verification failure.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid credential config")
)

// Reason classifies why a credential was rejected.
type Reason string

const (
	ReasonMissing      Reason = "missing"
	ReasonMalformed    Reason = "malformed"
	ReasonBadSignature Reason = "bad_signature"
	ReasonExpired      Reason = "expired"
	ReasonClaims       Reason = "invalid_claims"
)

// VerifyError carries the rejection reason. It unwraps to ErrInvalidToken.
type VerifyError struct {
	Reason Reason
}

func (e VerifyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidToken.Error(), e.Reason)
}

func (e VerifyError) Unwrap() error { return ErrInvalidToken }

func reject(r Reason) error { return VerifyError{Reason: r} }

// ReasonOf extracts the rejection reason from err, or "" when err is not a VerifyError.
func ReasonOf(err error) Reason {
	var ve VerifyError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}
