package api

import (
	"encoding/json"
	"time"
)

type credentialResponse struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type reconcileRequest struct {
	LocalState map[string]json.RawMessage `json:"local_state"`
	Resolution string                     `json:"resolution,omitempty"`
}

type initiateRequest struct {
	SessionID      string `json:"session_id"`
	TargetDeviceID string `json:"target_device_id,omitempty"`
}

type acceptRequest struct {
	ConnectionID string `json:"connection_id"`
}

type issueTokenRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type redeemRequest struct {
	Token        string `json:"token"`
	ConnectionID string `json:"connection_id"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type disconnectResponse struct {
	DeviceID     string `json:"device_id"`
	Disconnected int    `json:"disconnected"`
}
