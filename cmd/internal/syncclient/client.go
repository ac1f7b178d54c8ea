package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"continuum/cmd/internal/conflict"
	v1 "continuum/shared/contracts/continuum/v1"
)

var (
	ErrRetriesExhausted = errors.New("syncclient: reconnect retries exhausted")
	ErrAuthRejected     = errors.New("syncclient: credential rejected")
	ErrClosed           = errors.New("syncclient: client closed")
	ErrNotConnected     = errors.New("syncclient: not connected")
	ErrInvalidWrite     = errors.New("syncclient: invalid write")
)

// State is the connection lifecycle of a Client.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type write struct {
	key     string
	value   json.RawMessage
	deleted bool
}

func (w write) payload() v1.StateUpdatePayload {
	return v1.StateUpdatePayload{Key: w.key, Value: w.value, Deleted: w.deleted}
}

func (w write) apply(m map[string]json.RawMessage) {
	if w.deleted {
		delete(m, w.key)
		return
	}
	m[w.key] = w.value
}

// Client is one device's connection to a session.
type Client struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	started   bool
	synced    bool
	ws        *websocket.Conn
	token     string
	sessionID string
	deviceID  string
	cache     map[string]json.RawMessage
	pending   []write
	waiters   map[string]chan v1.Envelope
	err       error

	seq atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
}

// New validates cfg and returns an idle Client.
func New(cfg Config) (*Client, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		token:   strings.TrimSpace(cfg.Token),
		cache:   make(map[string]json.RawMessage),
		waiters: make(map[string]chan v1.Envelope),
		done:    make(chan struct{}),
	}, nil
}

// Connect performs the first handshake and starts the background loop.
// A failed first handshake is returned to the caller; reconnection starts only once a
// session has been established.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		err := c.closedErrLocked()
		c.mu.Unlock()
		return err
	case StateIdle:
	default:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	ws, err := c.establish(ctx)
	if err != nil {
		c.setState(StateIdle)
		return unwrapPermanent(err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "client closing")
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	c.setState(StateConnected)
	go c.run(ws)
	return nil
}

// Set writes key. While disconnected the write is queued and replayed after recovery.
func (c *Client) Set(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("%w: value is not JSON", ErrInvalidWrite)
	}
	return c.write(ctx, write{key: key, value: value})
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.write(ctx, write{key: key, deleted: true})
}

func (c *Client) write(ctx context.Context, w write) error {
	if strings.TrimSpace(w.key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidWrite)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return c.closedErr()
	}
	w.apply(c.cache)
	ws := c.ws
	if ws == nil || len(c.pending) > 0 {
		c.pending = append(c.pending, w)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.send(ctx, ws, w.payload(), ""); err != nil {
		c.mu.Lock()
		c.pending = append(c.pending, w)
		c.mu.Unlock()
		c.log.Info("syncclient.write.queued", "key", w.key, "err", err)
	}
	return nil
}

// Get returns the locally known value of key.
func (c *Client) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[key]
	return v, ok
}

// Snapshot returns a copy of the locally known session state.
func (c *Client) Snapshot() map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.cache)
}

// Pending returns how many writes wait for replay.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Token returns the latest credential issued by the server.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, if the client stopped on its own.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Refresh re-authenticates on the live connection and keeps the new credential.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	env, err := c.request(ctx, "auth", v1.AuthPayload{Token: tok})
	if err != nil {
		return err
	}
	switch env.Type {
	case v1.TypeAuthSuccess:
		var p v1.AuthSuccessPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.mu.Lock()
		c.token = p.NewToken
		c.mu.Unlock()
		return nil
	case v1.TypeAuthFailure:
		var p v1.AuthFailurePayload
		_ = json.Unmarshal(env.Payload, &p)
		return fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
	default:
		return fmt.Errorf("syncclient: unexpected reply %s", env.Type)
	}
}

// RequestSnapshot asks the server for the authoritative session state.
func (c *Client) RequestSnapshot(ctx context.Context) (v1.SnapshotResponsePayload, error) {
	env, err := c.request(ctx, "snap", v1.SnapshotRequestPayload{})
	if err != nil {
		return v1.SnapshotResponsePayload{}, err
	}
	var p v1.SnapshotResponsePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return v1.SnapshotResponsePayload{}, err
	}
	return p, nil
}

// Reconcile compares the local state with a fresh server snapshot. Differences are
// returned and, when OnConflict is set, reported to it.
func (c *Client) Reconcile(ctx context.Context) (Conflict, error) {
	snap, err := c.RequestSnapshot(ctx)
	if err != nil {
		return Conflict{}, err
	}
	local := c.Snapshot()
	out := Conflict{
		SessionID: snap.SessionID,
		Keys:      conflict.Detect(local, snap.StateData),
		Local:     local,
		Remote:    snap.StateData,
	}
	if len(out.Keys) > 0 && c.cfg.OnConflict != nil {
		c.cfg.OnConflict(out)
	}
	return out, nil
}

// Close stops the client. It is idempotent.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		ws := c.ws
		c.mu.Unlock()

		c.cancel()
		if ws != nil {
			_ = ws.Close(websocket.StatusNormalClosure, "client closing")
		}
		if started {
			<-c.done
			return
		}
		c.finish(nil)
	})
	return nil
}

// ---- connection loop ----

func (c *Client) run(ws *websocket.Conn) {
	for {
		err := c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
		c.failWaiters()

		if c.ctx.Err() != nil {
			c.finish(nil)
			return
		}

		c.log.Info("syncclient.disconnected",
			"session_id", c.SessionID(),
			"close_status", websocket.CloseStatus(err),
			"err", err,
		)
		c.setState(StateReconnecting)

		next, rerr := c.reconnect()
		if errors.Is(rerr, ErrClosed) {
			c.finish(nil)
			return
		}
		if rerr != nil {
			c.finish(rerr)
			return
		}
		ws = next
		c.setState(StateConnected)
		c.log.Info("syncclient.reconnected", "session_id", c.SessionID())
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.Multiplier = c.cfg.Multiplier
	b.MaxInterval = c.cfg.MaxBackoff
	b.RandomizationFactor = 0

	attempts := 0
	ws, err := backoff.Retry(c.ctx, func() (*websocket.Conn, error) {
		attempts++
		return c.establish(c.ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Info("syncclient.reconnect.retry", "attempt", attempts, "next", next, "err", err)
		}),
	)
	if err == nil {
		return ws, nil
	}
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	err = unwrapPermanent(err)
	if errors.Is(err, ErrAuthRejected) {
		return nil, err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, err)
}

// establish runs one full handshake: dial, auth with the latest credential, snapshot, replay.
func (c *Client) establish(parent context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.HandshakeTimeout)
	defer cancel()

	h := http.Header{}
	if origin := strings.TrimSpace(c.cfg.Origin); origin != "" {
		h.Set("Origin", origin)
	}
	ws, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient:   c.cfg.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, backoff.Permanent(fmt.Errorf("syncclient: server selected subprotocol %q", sp))
	}
	ws.SetReadLimit(c.cfg.ReadLimit)

	fail := func(err error) (*websocket.Conn, error) {
		_ = ws.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}

	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	if err := c.send(ctx, ws, v1.AuthPayload{Token: tok}, c.nextCorrelation("auth")); err != nil {
		return fail(err)
	}
	env, err := readUntil(ctx, ws, v1.TypeAuthSuccess, v1.TypeAuthFailure)
	if err != nil {
		return fail(err)
	}
	if env.Type == v1.TypeAuthFailure {
		var p v1.AuthFailurePayload
		_ = json.Unmarshal(env.Payload, &p)
		return fail(backoff.Permanent(fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)))
	}
	var auth v1.AuthSuccessPayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		return fail(fmt.Errorf("decode auth_success: %w", err))
	}

	if err := c.send(ctx, ws, v1.SnapshotRequestPayload{}, c.nextCorrelation("snap")); err != nil {
		return fail(err)
	}
	env, err = readUntil(ctx, ws, v1.TypeSnapshotResponse)
	if err != nil {
		return fail(err)
	}
	var snap v1.SnapshotResponsePayload
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		return fail(fmt.Errorf("decode snapshot_response: %w", err))
	}

	c.adopt(auth, snap)
	if err := c.replay(ctx, ws); err != nil {
		return fail(err)
	}
	return ws, nil
}

// adopt installs the recovered snapshot with queued writes layered on top.
func (c *Client) adopt(auth v1.AuthSuccessPayload, snap v1.SnapshotResponsePayload) {
	remote := snap.StateData
	if remote == nil {
		remote = make(map[string]json.RawMessage)
	}

	c.mu.Lock()
	if auth.NewToken != "" {
		c.token = auth.NewToken
	}
	c.sessionID = auth.SessionID
	c.deviceID = auth.DeviceID

	var report *Conflict
	if c.synced {
		if keys := conflict.Detect(c.cache, remote); len(keys) > 0 {
			report = &Conflict{SessionID: auth.SessionID, Keys: keys, Local: c.cache, Remote: maps.Clone(remote)}
		}
	}
	next := maps.Clone(remote)
	for _, w := range c.pending {
		w.apply(next)
	}
	c.cache = next
	c.synced = true
	c.mu.Unlock()

	if report != nil && c.cfg.OnConflict != nil {
		c.cfg.OnConflict(*report)
	}
}

// replay sends queued writes oldest first. The connection becomes the live one only once
// the queue is empty, so new writes never overtake queued ones.
func (c *Client) replay(ctx context.Context, ws *websocket.Conn) error {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.ws = ws
			c.mu.Unlock()
			return nil
		}
		w := c.pending[0]
		c.mu.Unlock()

		if err := c.send(ctx, ws, w.payload(), ""); err != nil {
			return fmt.Errorf("replay %s: %w", w.key, err)
		}

		c.mu.Lock()
		c.pending = c.pending[1:]
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		mt, data, err := ws.Read(c.ctx)
		if err != nil {
			return err
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Info("syncclient.read.bad_json", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env v1.Envelope) {
	if env.CorrelationID != "" && c.resolveWaiter(env) {
		return
	}

	switch env.Type {
	case v1.TypeStateUpdate:
		var p v1.StateUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Key == "" {
			return
		}
		c.mu.Lock()
		write{key: p.Key, value: p.Value, deleted: p.Deleted}.apply(c.cache)
		c.mu.Unlock()
		if c.cfg.OnUpdate != nil {
			c.cfg.OnUpdate(p)
		}

	case v1.TypeHandoffProgress:
		var p v1.HandoffProgressPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if c.cfg.OnHandoff != nil {
			c.cfg.OnHandoff(p)
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.log.Info("syncclient.server_error", "code", p.Code, "message", p.Message)
	}
}

// ---- request/reply ----

func (c *Client) request(ctx context.Context, prefix string, p v1.Payload) (v1.Envelope, error) {
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		closed := c.state == StateClosed
		c.mu.Unlock()
		if closed {
			return v1.Envelope{}, c.closedErr()
		}
		return v1.Envelope{}, ErrNotConnected
	}
	id := c.nextCorrelation(prefix)
	ch := make(chan v1.Envelope, 1)
	c.waiters[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, ws, p, id); err != nil {
		return v1.Envelope{}, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return v1.Envelope{}, ErrNotConnected
		}
		if env.Type == v1.TypeError {
			var e v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &e)
			return v1.Envelope{}, fmt.Errorf("syncclient: server error %d: %s", e.Code, e.Message)
		}
		return env, nil
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case <-c.done:
		return v1.Envelope{}, c.closedErr()
	}
}

func (c *Client) resolveWaiter(env v1.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.waiters[env.CorrelationID]
	if ok {
		delete(c.waiters, env.CorrelationID)
	}
	c.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (c *Client) failWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
}

func (c *Client) nextCorrelation(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, c.seq.Add(1))
}

// ---- helpers ----

func (c *Client) send(parent context.Context, ws *websocket.Conn, p v1.Payload, correlationID string) error {
	env, err := v1.NewEnvelope(p, time.Now())
	if err != nil {
		return err
	}
	env.CorrelationID = correlationID
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, c.cfg.HandshakeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, b)
}

func readUntil(ctx context.Context, ws *websocket.Conn, types ...string) (v1.Envelope, error) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return v1.Envelope{}, err
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		for _, t := range types {
			if env.Type == t {
				return env, nil
			}
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return v1.Envelope{}, fmt.Errorf("syncclient: server error %d: %s", p.Code, p.Message)
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	if err != nil && c.err == nil {
		c.err = err
	}
	changed := c.state != StateClosed
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	if err != nil {
		c.log.Warn("syncclient.stopped", "err", err)
	}
	if changed && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(StateClosed)
	}
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrLocked()
}

func (c *Client) closedErrLocked() error {
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func unwrapPermanent(err error) error {
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return p.Unwrap()
	}
	return err
}
