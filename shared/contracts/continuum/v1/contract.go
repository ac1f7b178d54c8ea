// Package v1 is the wire contract of the continuum realtime channel.
//
// Every frame is one JSON Envelope. The Payload of an envelope is decoded into exactly
// one concrete payload type selected by Envelope.Type (see Decode).
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Subprotocol is negotiated on the websocket upgrade.
const Subprotocol = "continuum.sync.v1"

const (
	TypeHeartbeat        = "heartbeat"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeSnapshotRequest  = "snapshot_request"
	TypeSnapshotResponse = "snapshot_response"
	TypeStateUpdate      = "state_update"
	TypeError            = "error"
	TypeAuth             = "auth"
	TypeAuthSuccess      = "auth_success"
	TypeAuthFailure      = "auth_failure"

	// TypeHandoffProgress is server -> client only. Older clients ignore it like any unknown type.
	TypeHandoffProgress = "handoff_progress"
)

// KnownTypes is the closed set of envelope types.
var KnownTypes = map[string]struct{}{
	TypeHeartbeat:        {},
	TypeHeartbeatAck:     {},
	TypeSnapshotRequest:  {},
	TypeSnapshotResponse: {},
	TypeStateUpdate:      {},
	TypeError:            {},
	TypeAuth:             {},
	TypeAuthSuccess:      {},
	TypeAuthFailure:      {},
	TypeHandoffProgress:  {},
}

var (
	ErrUnknownType       = errors.New("unknown envelope type")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMalformedPayload  = errors.New("malformed payload")
)

// Envelope is the frame shape carried over the wire.
type Envelope struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"session_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Known reports whether the envelope type belongs to the closed enumeration.
func (e Envelope) Known() bool {
	_, ok := KnownTypes[e.Type]
	return ok
}

// ParseEnvelope decodes one frame. A frame whose type is present but not a JSON string is
// out of range and reported as ErrUnknownType; any other decoding failure is
// ErrMalformedEnvelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	if err == nil {
		return env, nil
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(data, &fields) == nil {
		if raw, ok := fields["type"]; ok {
			var typ string
			if json.Unmarshal(raw, &typ) != nil {
				return Envelope{}, fmt.Errorf("%w: type %s", ErrUnknownType, raw)
			}
		}
	}
	return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
}

func (e Envelope) Validate() error {
	if e.Type == "" {
		return errors.New("missing type")
	}
	if !e.Known() {
		return fmt.Errorf("%w: %s", ErrUnknownType, e.Type)
	}
	return nil
}

// Payload is implemented by every concrete payload shape.
type Payload interface {
	MessageType() string
}

// NewEnvelope encodes p and stamps the envelope with now (unix seconds).
func NewEnvelope(p Payload, now time.Time) (Envelope, error) {
	if p == nil {
		return Envelope{}, errors.New("nil payload")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	return Envelope{
		Type:      p.MessageType(),
		Timestamp: now.Unix(),
		Payload:   raw,
	}, nil
}

// Decode returns the concrete payload carried by env.
// An empty payload is accepted for types whose payload has no required fields.
func Decode(env Envelope) (Payload, error) {
	var p Payload
	switch env.Type {
	case TypeHeartbeat:
		p = &HeartbeatPayload{}
	case TypeHeartbeatAck:
		p = &HeartbeatAckPayload{}
	case TypeSnapshotRequest:
		p = &SnapshotRequestPayload{}
	case TypeSnapshotResponse:
		p = &SnapshotResponsePayload{}
	case TypeStateUpdate:
		p = &StateUpdatePayload{}
	case TypeError:
		p = &ErrorPayload{}
	case TypeAuth:
		p = &AuthPayload{}
	case TypeAuthSuccess:
		p = &AuthSuccessPayload{}
	case TypeAuthFailure:
		p = &AuthFailurePayload{}
	case TypeHandoffProgress:
		p = &HandoffProgressPayload{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}

	if len(env.Payload) != 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	if v, ok := p.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	return p, nil
}
