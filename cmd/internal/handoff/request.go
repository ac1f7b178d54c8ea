package handoff

import "time"

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// canTransition encodes the forward-only state machine.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

const (
	ReasonRejected = "rejected"
	ReasonExpired  = "expired"
	ReasonCanceled = "cancelled"
)

// Request is one handoff of a session between two devices of the same user.
type Request struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id"`
	SourceDeviceID string     `json:"source_device_id"`
	TargetDeviceID string     `json:"target_device_id"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// InitiateInput describes a new handoff.
type InitiateInput struct {
	UserID         string
	SessionID      string
	SourceDeviceID string
	TargetDeviceID string
	Now            time.Time
}
