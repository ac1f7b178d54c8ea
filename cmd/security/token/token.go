package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinHMACKeyBytes is the minimum accepted secret size for HMAC-SHA256.
const MinHMACKeyBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// ValidateKey enforces the key policy. A blank key is ErrHMACKeyMissing.
func ValidateKey(key []byte, minBytes int) error {
	if len(strings.TrimSpace(string(key))) == 0 {
		return ErrHMACKeyMissing
	}
	if minBytes > 0 && len(key) < minBytes {
		return ErrHMACKeyTooShort
	}
	return nil
}

// Hasher hashes opaque tokens for storage. The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher in HMAC mode when key is non-empty.
// When requireHMAC is true an empty or short key is rejected.
func NewHasher(key []byte, requireHMAC bool) (Hasher, error) {
	if len(key) == 0 {
		if requireHMAC {
			return Hasher{}, ErrHMACKeyMissing
		}
		return Hasher{}, nil
	}
	if requireHMAC {
		if err := ValidateKey(key, MinHMACKeyBytes); err != nil {
			return Hasher{}, err
		}
	}
	return Hasher{key: append([]byte(nil), key...)}, nil
}

// HMACEnabled reports whether the hasher is keyed.
func (h Hasher) HMACEnabled() bool { return len(h.key) > 0 }

// Hash returns the 64-char hex digest of tok.
func (h Hasher) Hash(tok string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, h.key)
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewOpaque returns nBytes of crypto/rand entropy encoded as unpadded base64url.
func NewOpaque(nBytes int) (string, error) {
	if nBytes < 16 {
		return "", ErrInvalidLength
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveKey expands master into an n-byte subkey bound to purpose (HKDF-SHA256).
// Distinct purposes yield independent keys from the same secret.
func DeriveKey(master []byte, purpose string, n int) ([]byte, error) {
	if len(master) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if n <= 0 {
		return nil, ErrInvalidLength
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(purpose)), out); err != nil {
		return nil, err
	}
	return out, nil
}
