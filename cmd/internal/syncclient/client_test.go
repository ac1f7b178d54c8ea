package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/internal/realtime"
	"continuum/cmd/internal/state"
	v1 "continuum/shared/contracts/continuum/v1"
)

// gate lets a test take the realtime endpoint down without closing the listener.
type gate struct {
	open atomic.Bool
	next http.Handler
}

func (g *gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.open.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	g.next.ServeHTTP(w, r)
}

type server struct {
	reg   *state.Registry
	creds credential.Manager
	gate  *gate
	url   string
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newServer(t *testing.T) *server {
	t.Helper()

	reg, err := state.NewRegistry(quietLogger())
	require.NoError(t, err)

	ccfg := credential.DefaultConfig()
	ccfg.JWTKey = bytes.Repeat([]byte("c"), 32)
	creds, err := credential.New(ccfg)
	require.NoError(t, err)

	cfg := realtime.DefaultGatewayConfig()
	cfg.OriginRequired = false
	gw, err := realtime.NewGateway(quietLogger(), reg, creds, cfg)
	require.NoError(t, err)

	g := &gate{next: gw}
	g.open.Store(true)
	ts := httptest.NewServer(g)
	t.Cleanup(ts.Close)

	return &server{
		reg:   reg,
		creds: creds,
		gate:  g,
		url:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (s *server) token(t *testing.T, deviceID, sessionID string) string {
	t.Helper()
	tok, _, err := s.creds.Issue(credential.Identity{UserID: "u1", DeviceID: deviceID, SessionID: sessionID}, time.Now())
	require.NoError(t, err)
	return tok
}

func (s *server) client(t *testing.T, deviceID, sessionID string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:            s.url,
		Token:          s.token(t, deviceID, sessionID),
		Logger:         quietLogger(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		MaxAttempts:    100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func (s *server) serverValue(t *testing.T, sessionID, key string) string {
	t.Helper()
	snap, err := s.reg.Snapshot(context.Background(), sessionID)
	if err != nil {
		return ""
	}
	e, ok := snap.Entries[key]
	if !ok {
		return ""
	}
	return string(e.Value)
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{URL: "http://example.com/ws", Token: "t"})
	require.Error(t, err)

	_, err = New(Config{URL: "ws://example.com/ws"})
	require.Error(t, err)

	_, err = New(Config{URL: "ws://example.com/ws", Token: "t", Origin: "ftp://x"})
	require.Error(t, err)

	c, err := New(Config{URL: "ws://example.com/ws", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, DefaultInitialBackoff, c.cfg.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, c.cfg.MaxBackoff)
	assert.Equal(t, uint(DefaultMaxAttempts), c.cfg.MaxAttempts)
	assert.Equal(t, StateIdle, c.State())
}

func TestClient_SnapshotAfterWrites(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	a := srv.client(t, "laptop", "s1", nil)
	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, "s1", a.SessionID())
	assert.Equal(t, "laptop", a.DeviceID())

	require.NoError(t, a.Set(ctx, "counter", json.RawMessage(`1`)))
	require.NoError(t, a.Set(ctx, "counter", json.RawMessage(`2`)))
	require.Eventually(t, func() bool { return srv.serverValue(t, "s1", "counter") == "2" }, 3*time.Second, 10*time.Millisecond)

	b := srv.client(t, "phone", "s1", nil)
	v, ok := b.Get("counter")
	require.True(t, ok)
	assert.Equal(t, "2", string(v))

	snap, err := b.RequestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.SessionID)
	require.NotNil(t, snap.CreatedAt)
}

func TestClient_KeysAreSentAsWritten(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	a := srv.client(t, "laptop", "s1", nil)

	require.ErrorIs(t, a.Set(ctx, "  ", json.RawMessage(`1`)), ErrInvalidWrite)
	require.NoError(t, a.Set(ctx, " pad ", json.RawMessage(`1`)))
	require.NoError(t, a.Set(ctx, "pad", json.RawMessage(`2`)))

	require.Eventually(t, func() bool {
		return srv.serverValue(t, "s1", " pad ") == "1" && srv.serverValue(t, "s1", "pad") == "2"
	}, 3*time.Second, 10*time.Millisecond)

	v, ok := a.Get(" pad ")
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
	assert.Len(t, a.Snapshot(), 2)
}

func TestClient_FanOutToSibling(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []string
	)
	fromB := make(chan v1.StateUpdatePayload, 4)

	a := srv.client(t, "laptop", "s1", func(c *Config) {
		c.OnUpdate = func(p v1.StateUpdatePayload) {
			mu.Lock()
			seen = append(seen, p.Key)
			mu.Unlock()
		}
	})
	b := srv.client(t, "phone", "s1", func(c *Config) {
		c.OnUpdate = func(p v1.StateUpdatePayload) { fromB <- p }
	})

	require.NoError(t, a.Set(ctx, "shared", json.RawMessage(`"x"`)))

	select {
	case p := <-fromB:
		assert.Equal(t, "shared", p.Key)
		assert.Equal(t, `"x"`, string(p.Value))
		assert.Equal(t, "laptop", p.UpdatedBy)
	case <-time.After(3 * time.Second):
		t.Fatal("sibling did not receive the update")
	}
	v, ok := b.Get("shared")
	require.True(t, ok)
	assert.Equal(t, `"x"`, string(v))

	require.NoError(t, b.Delete(ctx, "shared"))
	require.Eventually(t, func() bool {
		_, ok := a.Get("shared")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"shared"}, seen, "origin must not receive its own write")
}

func TestClient_ReconnectReplaysPendingWrites(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	conflicts := make(chan Conflict, 4)
	a := srv.client(t, "laptop", "s1", func(c *Config) {
		c.OnConflict = func(cf Conflict) { conflicts <- cf }
	})
	first := a.Token()

	require.NoError(t, a.Set(ctx, "doc", json.RawMessage(`"draft"`)))
	require.Eventually(t, func() bool { return srv.serverValue(t, "s1", "doc") == `"draft"` }, 3*time.Second, 10*time.Millisecond)

	srv.gate.open.Store(false)
	require.Equal(t, 1, srv.reg.DisconnectDevice("u1", "laptop", "test drop"))
	require.Eventually(t, func() bool { return a.State() == StateReconnecting }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Set(ctx, "offline-1", json.RawMessage(`1`)))
	require.NoError(t, a.Set(ctx, "offline-2", json.RawMessage(`2`)))
	assert.Equal(t, 2, a.Pending())

	_, err := srv.reg.Apply(ctx, "s1", state.Mutation{Key: "doc", Value: json.RawMessage(`"edited elsewhere"`), DeviceID: "phone"})
	require.NoError(t, err)

	srv.gate.open.Store(true)
	require.Eventually(t, func() bool { return a.State() == StateConnected && a.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return srv.serverValue(t, "s1", "offline-1") == "1" && srv.serverValue(t, "s1", "offline-2") == "2"
	}, 3*time.Second, 10*time.Millisecond)

	v, _ := a.Get("doc")
	assert.Equal(t, `"edited elsewhere"`, string(v))
	assert.NotEqual(t, first, a.Token(), "reconnect must rotate the credential")

	select {
	case cf := <-conflicts:
		assert.Contains(t, cf.Keys, "doc")
		assert.Equal(t, "s1", cf.SessionID)
	case <-time.After(time.Second):
		t.Fatal("conflict was not reported after recovery")
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	a := srv.client(t, "laptop", "s1", func(c *Config) {
		c.InitialBackoff = 5 * time.Millisecond
		c.MaxBackoff = 10 * time.Millisecond
		c.MaxAttempts = 3
	})

	srv.gate.open.Store(false)
	srv.reg.DisconnectDevice("u1", "laptop", "test drop")

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not give up")
	}
	require.ErrorIs(t, a.Err(), ErrRetriesExhausted)
	assert.Equal(t, StateClosed, a.State())
	require.ErrorIs(t, a.Set(ctx, "k", json.RawMessage(`1`)), ErrRetriesExhausted)
	require.NoError(t, a.Close())
}

func TestClient_AuthRejected(t *testing.T) {
	srv := newServer(t)

	c, err := New(Config{URL: srv.url, Token: "not-a-credential", Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, StateIdle, c.State())
}

func TestClient_RefreshAndReconcile(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	a := srv.client(t, "laptop", "s1", nil)
	before := a.Token()
	require.NoError(t, a.Refresh(ctx))
	assert.NotEqual(t, before, a.Token())

	require.NoError(t, a.Set(ctx, "k", json.RawMessage(`{"x":1}`)))
	require.Eventually(t, func() bool { return srv.serverValue(t, "s1", "k") != "" }, 3*time.Second, 10*time.Millisecond)

	report, err := a.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Keys)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	srv := newServer(t)
	a := srv.client(t, "laptop", "s1", nil)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	select {
	case <-a.Done():
	default:
		t.Fatal("done must be closed after Close")
	}
	assert.NoError(t, a.Err())
	require.ErrorIs(t, a.Set(context.Background(), "k", json.RawMessage(`1`)), ErrClosed)
	require.ErrorIs(t, a.Connect(context.Background()), ErrClosed)

	require.Eventually(t, func() bool { return len(srv.reg.Subscribers("s1")) == 0 }, 3*time.Second, 10*time.Millisecond)
}
