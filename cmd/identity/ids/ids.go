// Package ids provides the ID primitives used across continuum.
//
// ULIDs are used where ordering in logs matters (handoff requests, envelope correlation).
// UUIDs are used for opaque handles handed to devices (sessions, connections).
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error (crypto/rand failure only).
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}

// NewSessionID returns a random UUIDv4 session id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewConnectionID returns a random UUIDv4 connection id.
func NewConnectionID() string {
	return uuid.NewString()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
