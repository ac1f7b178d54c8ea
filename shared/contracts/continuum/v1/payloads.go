package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type HeartbeatPayload struct{}

func (HeartbeatPayload) MessageType() string { return TypeHeartbeat }

type HeartbeatAckPayload struct{}

func (HeartbeatAckPayload) MessageType() string { return TypeHeartbeatAck }

type SnapshotRequestPayload struct{}

func (SnapshotRequestPayload) MessageType() string { return TypeSnapshotRequest }

// EntryMeta describes who last wrote a key and when.
type EntryMeta struct {
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// SnapshotResponsePayload carries a point-in-time copy of a session.
// CreatedAt is null for a session that has never been mutated.
type SnapshotResponsePayload struct {
	SessionID string                     `json:"session_id"`
	StateData map[string]json.RawMessage `json:"state_data"`
	Meta      map[string]EntryMeta       `json:"meta,omitempty"`
	CreatedAt *time.Time                 `json:"created_at"`
}

func (SnapshotResponsePayload) MessageType() string { return TypeSnapshotResponse }

// StateUpdatePayload sets Key to Value, or removes Key when Deleted is true.
// A JSON null Value is a legitimate value and is not a delete.
type StateUpdatePayload struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

func (StateUpdatePayload) MessageType() string { return TypeStateUpdate }

func (p *StateUpdatePayload) validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return errors.New("missing key")
	}
	if !p.Deleted && len(p.Value) == 0 {
		return errors.New("missing value")
	}
	if !p.Deleted && !json.Valid(p.Value) {
		return errors.New("invalid value")
	}
	return nil
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (ErrorPayload) MessageType() string { return TypeError }

type AuthPayload struct {
	Token string `json:"token"`
}

func (AuthPayload) MessageType() string { return TypeAuth }

type AuthSuccessPayload struct {
	NewToken  string    `json:"new_token"`
	ExpiresAt time.Time `json:"expires_at"`
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
}

func (AuthSuccessPayload) MessageType() string { return TypeAuthSuccess }

type AuthFailurePayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (AuthFailurePayload) MessageType() string { return TypeAuthFailure }

// HandoffProgressPayload reports a handoff transition to both devices involved.
type HandoffProgressPayload struct {
	HandoffID string `json:"handoff_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Reason    string `json:"reason,omitempty"`
}

func (HandoffProgressPayload) MessageType() string { return TypeHandoffProgress }
