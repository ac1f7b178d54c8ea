package state

import (
	"context"
	"time"
)

// Meta is the per-session metadata persisted next to its entries.
type Meta struct {
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	CreatedAt    *time.Time `json:"created_at"`
	LastActivity time.Time  `json:"last_activity_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// Record is a persisted session.
type Record struct {
	Meta
	Entries map[string]Entry `json:"entries"`
}

// Backend is the write-through persistence layer behind the registry.
//
// Writes for one session are serialized by the caller, so implementations only need to be
// safe for concurrent use across different sessions. Load returns ErrNotFound for a session
// that was never persisted.
type Backend interface {
	Load(ctx context.Context, sessionID string) (Record, error)
	PutEntry(ctx context.Context, meta Meta, e Entry) error
	DeleteEntry(ctx context.Context, meta Meta, key string) error
	Replace(ctx context.Context, rec Record) error
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// Expirer is implemented by backends that can purge expired sessions in bulk, including
// sessions that were never loaded into memory since the last restart.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryBackend keeps nothing beyond the registry's own memory.
type MemoryBackend struct{}

func (MemoryBackend) Load(context.Context, string) (Record, error) { return Record{}, ErrNotFound }
func (MemoryBackend) PutEntry(context.Context, Meta, Entry) error { return nil }
func (MemoryBackend) DeleteEntry(context.Context, Meta, string) error { return nil }
func (MemoryBackend) Replace(context.Context, Record) error { return nil }
func (MemoryBackend) Delete(context.Context, string) error { return nil }
func (MemoryBackend) Close() error { return nil }
