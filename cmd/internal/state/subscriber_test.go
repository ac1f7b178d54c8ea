package state

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	v1 "continuum/shared/contracts/continuum/v1"
)

// fakeSub is an in-memory Subscriber that records what it was delivered.
type fakeSub struct {
	connID, userID, deviceID string

	mu        sync.Mutex
	got       []v1.Envelope
	bound     []string
	full      bool
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newFakeSub(connID, userID, deviceID string) *fakeSub {
	return &fakeSub{connID: connID, userID: userID, deviceID: deviceID, done: make(chan struct{})}
}

func (f *fakeSub) ConnID() string { return f.connID }
func (f *fakeSub) UserID() string { return f.userID }
func (f *fakeSub) DeviceID() string { return f.deviceID }
func (f *fakeSub) Done() <-chan struct{} { return f.done }

func (f *fakeSub) Bound(sessionID string) {
	f.mu.Lock()
	f.bound = append(f.bound, sessionID)
	f.mu.Unlock()
}

func (f *fakeSub) bindings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bound...)
}

func (f *fakeSub) Deliver(env v1.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.got = append(f.got, env)
	return true
}

func (f *fakeSub) Disconnect(reason string) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *fakeSub) updates(t *testing.T) []v1.StateUpdatePayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]v1.StateUpdatePayload, 0, len(f.got))
	for _, env := range f.got {
		if env.Type != v1.TypeStateUpdate {
			continue
		}
		var p v1.StateUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		out = append(out, p)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
