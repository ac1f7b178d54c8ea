package state

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"

	v1 "continuum/shared/contracts/continuum/v1"
)

// Entry is one key of a session's state.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
	UpdatedBy string          `json:"updated_by"`
}

// Mutation sets Key to Value, or removes Key when Delete is set.
// ConnID identifies the originating connection, which is excluded from fan-out.
type Mutation struct {
	Key      string
	Value    json.RawMessage
	Delete   bool
	DeviceID string
	ConnID   string
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	SessionID    string
	UserID       string
	Entries      map[string]Entry
	CreatedAt    *time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

// Data returns the key -> value view of the snapshot.
func (s Snapshot) Data() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.Entries))
	for k, e := range s.Entries {
		out[k] = e.Value
	}
	return out
}

// Payload renders the snapshot as a snapshot_response payload.
func (s Snapshot) Payload() v1.SnapshotResponsePayload {
	meta := make(map[string]v1.EntryMeta, len(s.Entries))
	for k, e := range s.Entries {
		meta[k] = v1.EntryMeta{UpdatedAt: e.UpdatedAt, UpdatedBy: e.UpdatedBy}
	}
	return v1.SnapshotResponsePayload{
		SessionID: s.SessionID,
		StateData: s.Data(),
		Meta:      meta,
		CreatedAt: s.CreatedAt,
	}
}

// Change is one key-level difference produced by Transform.
type Change struct {
	Entry
	Deleted bool
}

// Info summarizes a live session for listings.
type Info struct {
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	Keys         int        `json:"keys"`
	Connections  int        `json:"connections"`
	Devices      []string   `json:"devices"`
	CreatedAt    *time.Time `json:"created_at"`
	LastActivity time.Time  `json:"last_activity_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// Device summarizes the live connections of one device.
type Device struct {
	DeviceID    string   `json:"device_id"`
	Name        string   `json:"name,omitempty"`
	UserID      string   `json:"user_id"`
	SessionIDs  []string `json:"session_ids"`
	Connections int      `json:"connections"`
}

// ValuesEqual compares two JSON values semantically (key order and whitespace are ignored).
func ValuesEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyEntries(in map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(in))
	for k, e := range in {
		e.Value = append(json.RawMessage(nil), e.Value...)
		out[k] = e
	}
	return out
}
