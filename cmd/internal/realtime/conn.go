package realtime

import (
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "continuum/shared/contracts/continuum/v1"
)

// ConnState is the server-side lifecycle of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateAuthenticating
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is one websocket connection. It implements state.Subscriber.
//
// Send is never closed by the server so concurrent broadcasters cannot panic; done signals
// shutdown instead.
type Conn struct {
	id   string
	Send chan v1.Envelope

	mu        sync.Mutex
	state     ConnState
	userID    string
	email     string
	deviceID  string
	sessionID string
	expiresAt time.Time

	done      chan struct{}
	closeOnce sync.Once
	kill      func(code websocket.StatusCode, reason string)
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(id string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = minSendQueueSize
	}
	return &Conn{
		id:    id,
		Send:  make(chan v1.Envelope, sendQueueSize),
		state: StateConnecting,
		done:  make(chan struct{}),
	}
}

func (c *Conn) ConnID() string { return c.id }

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// SessionID returns the session the connection is bound to, if any.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

// identity is what a credential asserts about a connection. The session binding is tracked
// separately because only the registry decides it (see Bound).
type identity struct {
	userID    string
	email     string
	deviceID  string
	expiresAt time.Time
}

func (c *Conn) identity() identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return identity{userID: c.userID, email: c.email, deviceID: c.deviceID, expiresAt: c.expiresAt}
}

// bind records the identity the connection authenticated as.
func (c *Conn) bind(id identity) {
	c.mu.Lock()
	c.userID = id.userID
	c.email = id.email
	c.deviceID = id.deviceID
	c.expiresAt = id.expiresAt
	c.mu.Unlock()
}

// Bound records the session the registry attached the connection to. A completed handoff
// rebinds a connection this way without a new Auth.
func (c *Conn) Bound(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// Email returns the email claim of the credential, if any.
func (c *Conn) Email() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.email
}

func (c *Conn) credentialExpired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Deliver enqueues env without blocking. It reports false when the queue is full or the
// connection is closing; the envelope is dropped in that case.
func (c *Conn) Deliver(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Disconnect closes the connection from the server side.
func (c *Conn) Disconnect(reason string) {
	c.mu.Lock()
	kill := c.kill
	c.mu.Unlock()
	if kill != nil {
		kill(websocket.StatusGoingAway, reason)
		return
	}
	c.close()
}

// close signals the connection goroutines to stop (idempotent).
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)
	})
}
