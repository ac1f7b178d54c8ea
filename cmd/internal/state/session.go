package state

import (
	"encoding/json"
	"sync"
	"time"
)

// Session is one unit of continuity: its state and the subscribers attached to it.
// All fields are guarded by mu.
type Session struct {
	id string

	mu           sync.Mutex
	userID       string
	entries      map[string]Entry
	createdAt    *time.Time
	lastActivity time.Time
	expiresAt    time.Time
	subs         map[string]Subscriber

	// gone is set once the registry dropped the session; holders must re-resolve it.
	gone bool
}

func newSession(id string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		id:           id,
		entries:      make(map[string]Entry),
		lastActivity: now,
		expiresAt:    now.Add(ttl),
		subs:         make(map[string]Subscriber),
	}
}

func sessionFromRecord(rec Record) *Session {
	s := &Session{
		id:           rec.SessionID,
		userID:       rec.UserID,
		entries:      copyEntries(rec.Entries),
		createdAt:    copyTime(rec.CreatedAt),
		lastActivity: rec.LastActivity,
		expiresAt:    rec.ExpiresAt,
		subs:         make(map[string]Subscriber),
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

func (s *Session) metaLocked() Meta {
	return Meta{
		SessionID:    s.id,
		UserID:       s.userID,
		CreatedAt:    copyTime(s.createdAt),
		LastActivity: s.lastActivity,
		ExpiresAt:    s.expiresAt,
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:    s.id,
		UserID:       s.userID,
		Entries:      copyEntries(s.entries),
		CreatedAt:    copyTime(s.createdAt),
		LastActivity: s.lastActivity,
		ExpiresAt:    s.expiresAt,
	}
}

func (s *Session) dataLocked() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.entries))
	for k, e := range s.entries {
		out[k] = append(json.RawMessage(nil), e.Value...)
	}
	return out
}

func (s *Session) infoLocked() Info {
	seen := make(map[string]struct{}, len(s.subs))
	devices := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		d := sub.DeviceID()
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		devices = append(devices, d)
	}
	return Info{
		SessionID:    s.id,
		UserID:       s.userID,
		Keys:         len(s.entries),
		Connections:  len(s.subs),
		Devices:      devices,
		CreatedAt:    copyTime(s.createdAt),
		LastActivity: s.lastActivity,
		ExpiresAt:    s.expiresAt,
	}
}

// touchLocked records an accepted mutation at now.
func (s *Session) touchLocked(now time.Time, ttl time.Duration) {
	if s.createdAt == nil {
		c := now
		s.createdAt = &c
	}
	s.lastActivity = now
	s.expiresAt = now.Add(ttl)
}

// nextMetaLocked is the metadata the session will carry after a mutation at now.
func (s *Session) nextMetaLocked(now time.Time, ttl time.Duration) Meta {
	m := s.metaLocked()
	if m.CreatedAt == nil {
		c := now
		m.CreatedAt = &c
	}
	m.LastActivity = now
	m.ExpiresAt = now.Add(ttl)
	return m
}
