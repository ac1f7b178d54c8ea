package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"continuum/cmd/internal/state"
)

// DefaultLogSize is how many records are kept per session.
const DefaultLogSize = 32

// Record is one resolved conflict.
type Record struct {
	SessionID  string                     `json:"session_id"`
	DeviceID   string                     `json:"device_id"`
	Local      map[string]json.RawMessage `json:"local_snapshot"`
	Remote     map[string]json.RawMessage `json:"remote_snapshot"`
	Keys       []string                   `json:"conflicting_keys"`
	Resolution Resolution                 `json:"resolution"`
	Result     map[string]json.RawMessage `json:"result"`
	ResolvedAt time.Time                  `json:"resolved_at"`
}

// Report is the outcome of Check: what differs, without changing anything.
type Report struct {
	SessionID string                     `json:"session_id"`
	Keys      []string                   `json:"conflicting_keys"`
	Remote    map[string]json.RawMessage `json:"remote_snapshot"`
}

// Coordinator applies resolutions through the registry and keeps a short history per session.
type Coordinator struct {
	log     *slog.Logger
	reg     *state.Registry
	logSize int
	now     func() time.Time

	mu      sync.Mutex
	history map[string][]Record
}

// NewCoordinator builds a Coordinator over reg. logSize <= 0 uses DefaultLogSize.
func NewCoordinator(log *slog.Logger, reg *state.Registry, logSize int) (*Coordinator, error) {
	if reg == nil {
		return nil, errors.New("conflict: nil registry")
	}
	if log == nil {
		log = slog.Default()
	}
	if logSize <= 0 {
		logSize = DefaultLogSize
	}
	c := &Coordinator{
		log:     log,
		reg:     reg,
		logSize: logSize,
		now:     func() time.Time { return time.Now().UTC() },
		history: make(map[string][]Record),
	}
	reg.OnRemove(c.Forget)
	return c, nil
}

// Check compares local with the current session state.
func (c *Coordinator) Check(ctx context.Context, sessionID string, local map[string]json.RawMessage) (Report, error) {
	snap, err := c.reg.Snapshot(ctx, sessionID)
	if err != nil {
		return Report{}, err
	}
	remote := snap.Data()
	return Report{SessionID: sessionID, Keys: Detect(local, remote), Remote: remote}, nil
}

// Resolve applies r atomically. The remote side is the session state at apply time, so a
// mutation that lands between Check and Resolve is taken into account.
func (c *Coordinator) Resolve(ctx context.Context, sessionID, deviceID string, local map[string]json.RawMessage, r Resolution) (Record, error) {
	if _, err := ParseResolution(string(r)); err != nil {
		return Record{}, err
	}

	var keys []string
	res, err := c.reg.Transform(ctx, sessionID, deviceID, func(current map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		keys = Detect(local, current)
		return Apply(r, local, current)
	})
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		SessionID:  sessionID,
		DeviceID:   deviceID,
		Local:      clone(local),
		Remote:     res.Before,
		Keys:       keys,
		Resolution: r,
		Result:     res.After,
		ResolvedAt: c.now(),
	}
	c.remember(rec)

	c.log.Info("conflict.resolved",
		"session_id", sessionID,
		"device_id", deviceID,
		"resolution", string(r),
		"keys", len(keys),
		"changed", len(res.Changes),
	)
	return rec, nil
}

// History returns the recorded resolutions of a session, oldest first.
func (c *Coordinator) History(sessionID string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.history[sessionID]...)
}

// Forget drops the history of a session. It runs on its own when the registry drops the
// session.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.history, sessionID)
	c.mu.Unlock()
}

func (c *Coordinator) remember(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[rec.SessionID], rec)
	if len(h) > c.logSize {
		h = append([]Record(nil), h[len(h)-c.logSize:]...)
	}
	c.history[rec.SessionID] = h
}
