package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"continuum/cmd/identity/ids"
	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/internal/state"
	v1 "continuum/shared/contracts/continuum/v1"
)

var (
	errMissingOrigin    = errors.New("missing origin")
	errOriginNotAllowed = errors.New("origin not allowed")
)

// Error codes carried by Error envelopes.
const (
	CodeMalformed       = 400
	CodeUnauthenticated = 401
	CodeForbidden       = 403
	CodeTooLarge        = 413
	CodeRateLimited     = 429
	CodeInternal        = 500
)

// Observer receives gateway events (metrics).
type Observer interface {
	ConnOpened()
	ConnClosed()
	EnvelopeIn(typ string)
	ErrorSent(code string)
	AuthResult(result string)
}

type nopObserver struct{}

func (nopObserver) ConnOpened() {}
func (nopObserver) ConnClosed() {}
func (nopObserver) EnvelopeIn(string) {}
func (nopObserver) ErrorSent(string) {}
func (nopObserver) AuthResult(string) {}

// Gateway is the websocket entrypoint of the sync engine.
//
// It enforces origin policy, subprotocol selection, frame size and rate limits, heartbeats
// and the auth deadline, and routes validated envelopes to the session registry.
type Gateway struct {
	log      *slog.Logger
	reg      *state.Registry
	creds    credential.Manager
	observer Observer
	tracer   trace.Tracer
	cfg      GatewayConfig
	now      func() time.Time

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	mu    sync.Mutex
	conns map[string]*Conn
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithTracer overrides the otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) {
		if t != nil {
			g.tracer = t
		}
	}
}

// NewGateway constructs a gateway over reg that verifies credentials with creds.
func NewGateway(log *slog.Logger, reg *state.Registry, creds credential.Manager, cfg GatewayConfig, opts ...Option) (*Gateway, error) {
	if reg == nil || creds == nil {
		return nil, errors.New("realtime: registry and credential manager are required")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.normalized()
	g := &Gateway{
		log:            log,
		reg:            reg,
		creds:          creds,
		observer:       nopObserver{},
		tracer:         otel.Tracer("continuum/realtime"),
		cfg:            cfg,
		now:            func() time.Time { return time.Now().UTC() },
		originPatterns: originPatterns(cfg.AllowedOrigins),
		conns:          make(map[string]*Conn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Config returns the effective configuration.
func (g *Gateway) Config() GatewayConfig { return g.cfg }

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every open connection with a going-away status.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	list := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		list = append(list, c)
	}
	g.mu.Unlock()

	for _, c := range list {
		c.Disconnect("server shutting down")
	}
}

// ServeHTTP upgrades the request and runs the connection loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := enforceOrigin(r.Header.Get("Origin"), g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	ws.SetReadLimit(g.cfg.MaxFrameBytes * readLimitFactor)

	c := NewConn(ids.NewConnectionID(), g.cfg.SendQueueSize)
	connID := c.ConnID()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close c.Send. done is closed before the registry
	// binding is removed so a concurrent Attach observes the close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.close()
			g.reg.Detach(connID)
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	c.mu.Lock()
	c.kill = shutdown
	c.mu.Unlock()

	g.mu.Lock()
	g.conns[connID] = c
	g.mu.Unlock()
	g.observer.ConnOpened()
	defer func() {
		g.mu.Lock()
		delete(g.conns, connID)
		g.mu.Unlock()
		g.observer.ConnClosed()
	}()

	c.setState(StateConnected)
	g.log.Info("ws.open", "conn_id", connID, "remote", r.RemoteAddr)

	authDeadline := time.AfterFunc(g.cfg.AuthTimeout, func() {
		if c.State() != StateActive {
			g.log.Info("ws.auth.timeout", "conn_id", connID)
			shutdown(websocket.StatusPolicyViolation, "auth timeout")
		}
	})
	defer authDeadline.Stop()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case env := <-c.Send:
				if err := writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := ws.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			case readErrTooLarge:
				shutdown(websocket.StatusMessageTooBig, "frame too large")
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		now := g.now()
		if !rl.Allow(now) {
			g.sendFinal(ctx, ws, c, CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if int64(len(data)) > g.cfg.MaxFrameBytes {
			g.log.Info("ws.frame.too_large", "conn_id", connID, "bytes", len(data))
			g.sendFinal(ctx, ws, c, CodeTooLarge, fmt.Sprintf("frame exceeds %d bytes", g.cfg.MaxFrameBytes))
			shutdown(websocket.StatusMessageTooBig, "frame too large")
			break readLoop
		}

		env, err := v1.ParseEnvelope(data)
		if errors.Is(err, v1.ErrUnknownType) {
			g.log.Debug("ws.ignore.unknown", "conn_id", connID, "err", err)
			continue readLoop
		}
		if err != nil {
			g.sendError(c, "", CodeMalformed, "malformed envelope")
			continue readLoop
		}
		if !env.Known() {
			g.log.Debug("ws.ignore.unknown", "conn_id", connID, "type", env.Type)
			continue readLoop
		}
		g.observer.EnvelopeIn(env.Type)

		payload, err := v1.Decode(env)
		if err != nil {
			g.sendError(c, env.CorrelationID, CodeMalformed, "malformed envelope")
			continue readLoop
		}

		switch p := payload.(type) {
		case *v1.HeartbeatPayload:
			g.reply(c, env.CorrelationID, v1.HeartbeatAckPayload{})

		case *v1.AuthPayload:
			g.onAuth(ctx, c, env, p)
			if c.State() == StateClosed {
				break readLoop
			}

		case *v1.SnapshotRequestPayload:
			if !g.requireActive(c, env, now) {
				continue readLoop
			}
			g.onSnapshot(ctx, c, env)

		case *v1.StateUpdatePayload:
			if !g.requireActive(c, env, now) {
				continue readLoop
			}
			g.onUpdate(ctx, c, env, p)

		default:
			// Server-to-client types sent by a client carry no meaning here.
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.log.Info("ws.close", "conn_id", connID)
}

// ---- handlers ----

func (g *Gateway) requireActive(c *Conn, env v1.Envelope, now time.Time) bool {
	if c.State() != StateActive {
		g.sendError(c, env.CorrelationID, CodeForbidden, "Not authenticated")
		return false
	}
	if c.credentialExpired(now) {
		g.sendError(c, env.CorrelationID, CodeUnauthenticated, "Credential expired")
		return false
	}
	return true
}

func (g *Gateway) onAuth(ctx context.Context, c *Conn, env v1.Envelope, p *v1.AuthPayload) {
	ctx, span := g.tracer.Start(ctx, "gateway.auth", trace.WithAttributes(
		attribute.String("conn.id", c.ConnID()),
		attribute.String("credential.format", g.creds.Format()),
	))
	defer span.End()

	prev := c.State()
	if prev != StateActive {
		c.setState(StateAuthenticating)
	}

	fail := func(msg, result string) {
		if prev != StateActive {
			c.setState(StateConnected)
		}
		span.SetStatus(codes.Error, result)
		g.observer.AuthResult(result)
		g.reply(c, env.CorrelationID, v1.AuthFailurePayload{Code: CodeUnauthenticated, Message: msg})
	}

	claims, next, exp, err := credential.Refresh(g.creds, p.Token, g.now())
	if err != nil {
		reason := credential.ReasonOf(err)
		result := string(reason)
		if result == "" {
			result = "invalid"
		}
		g.log.Info("ws.auth.fail", "conn_id", c.ConnID(), "reason", result)
		fail(authMessage(reason), result)
		return
	}

	if uid := c.UserID(); prev == StateActive && uid != claims.UserID {
		g.log.Warn("ws.auth.identity_mismatch", "conn_id", c.ConnID(), "user_id", uid)
		fail("Credential belongs to another user", "identity_mismatch")
		return
	}

	prevID := c.identity()
	c.bind(identity{userID: claims.UserID, email: claims.Email, deviceID: claims.DeviceID, expiresAt: exp})
	if _, err := g.reg.Attach(ctx, claims.SessionID, c); err != nil {
		if errors.Is(err, state.ErrDetached) {
			return
		}
		// The registry keeps the previous binding on failure; the identity goes back with it.
		c.bind(prevID)
		g.log.Error("ws.auth.attach_fail", "conn_id", c.ConnID(), "session_id", claims.SessionID, "err", err)
		span.RecordError(err)
		if prev != StateActive {
			c.setState(StateConnected)
		}
		g.observer.AuthResult("attach_failed")
		g.sendError(c, env.CorrelationID, CodeInternal, "session unavailable")
		return
	}

	c.setState(StateActive)
	span.SetAttributes(attribute.String("session.id", claims.SessionID))
	g.observer.AuthResult("ok")
	g.log.Info("ws.auth.ok",
		"conn_id", c.ConnID(),
		"user_id", claims.UserID,
		"device_id", claims.DeviceID,
		"session_id", claims.SessionID,
		"refresh", prev == StateActive,
	)
	g.reply(c, env.CorrelationID, v1.AuthSuccessPayload{
		NewToken:  next,
		ExpiresAt: exp,
		SessionID: claims.SessionID,
		DeviceID:  claims.DeviceID,
	})
}

func authMessage(r credential.Reason) string {
	switch r {
	case credential.ReasonMissing:
		return "Missing credential"
	case credential.ReasonExpired:
		return "Credential expired"
	case credential.ReasonBadSignature:
		return "Invalid signature"
	default:
		return "Invalid credential"
	}
}

func (g *Gateway) onSnapshot(ctx context.Context, c *Conn, env v1.Envelope) {
	snap, err := g.reg.Snapshot(ctx, c.SessionID())
	if err != nil {
		g.log.Error("ws.snapshot.fail", "conn_id", c.ConnID(), "session_id", c.SessionID(), "err", err)
		g.sendError(c, env.CorrelationID, CodeInternal, "snapshot unavailable")
		return
	}
	g.reply(c, env.CorrelationID, snap.Payload())
}

func (g *Gateway) onUpdate(ctx context.Context, c *Conn, env v1.Envelope, p *v1.StateUpdatePayload) {
	_, err := g.reg.Apply(ctx, c.SessionID(), state.Mutation{
		Key:      p.Key,
		Value:    p.Value,
		Delete:   p.Deleted,
		DeviceID: c.DeviceID(),
		ConnID:   c.ConnID(),
	})
	switch {
	case err == nil:
	case errors.Is(err, state.ErrInvalidKey), errors.Is(err, state.ErrInvalidMut), errors.Is(err, state.ErrTooManyKeys):
		g.sendError(c, env.CorrelationID, CodeMalformed, err.Error())
	default:
		g.log.Error("ws.update.fail", "conn_id", c.ConnID(), "session_id", c.SessionID(), "key", p.Key, "err", err)
		g.sendError(c, env.CorrelationID, CodeInternal, "update rejected")
	}
}

// ---- send helpers ----

func (g *Gateway) envelope(c *Conn, correlationID string, p v1.Payload) (v1.Envelope, bool) {
	env, err := v1.NewEnvelope(p, g.now())
	if err != nil {
		g.log.Error("ws.encode.fail", "conn_id", c.ConnID(), "type", p.MessageType(), "err", err)
		return v1.Envelope{}, false
	}
	env.SessionID = c.SessionID()
	env.CorrelationID = correlationID
	return env, true
}

func (g *Gateway) reply(c *Conn, correlationID string, p v1.Payload) {
	env, ok := g.envelope(c, correlationID, p)
	if !ok {
		return
	}
	if !c.Deliver(env) {
		g.log.Info("ws.backpressure", "conn_id", c.ConnID(), "type", env.Type)
	}
}

func (g *Gateway) sendError(c *Conn, correlationID string, code int, msg string) {
	g.observer.ErrorSent(strconv.Itoa(code))
	g.reply(c, correlationID, v1.ErrorPayload{Code: code, Message: msg})
}

// sendFinal writes an error directly, ahead of anything queued, right before a close.
func (g *Gateway) sendFinal(ctx context.Context, ws *websocket.Conn, c *Conn, code int, msg string) {
	g.observer.ErrorSent(strconv.Itoa(code))
	env, ok := g.envelope(c, "", v1.ErrorPayload{Code: code, Message: msg})
	if !ok {
		return
	}
	if err := writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout); err != nil {
		g.log.Info("ws.write.final_fail", "conn_id", c.ConnID(), "err", err)
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, ws *websocket.Conn) ([]byte, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrTooLarge
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
		return readErrTooLarge
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
