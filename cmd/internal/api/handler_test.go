package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"continuum/cmd/internal/auth/credential"
	"continuum/cmd/internal/conflict"
	"continuum/cmd/internal/handoff"
	"continuum/cmd/internal/state"
	"continuum/cmd/security/token"
	v1 "continuum/shared/contracts/continuum/v1"
)

type fakeConn struct {
	connID, userID, deviceID string

	mu      sync.Mutex
	got     []v1.Envelope
	session string
	done    chan struct{}
	closed  sync.Once
}

func newFakeConn(connID, userID, deviceID string) *fakeConn {
	return &fakeConn{connID: connID, userID: userID, deviceID: deviceID, done: make(chan struct{})}
}

func (c *fakeConn) ConnID() string { return c.connID }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) DeviceID() string { return c.deviceID }
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Disconnect(string) { c.closed.Do(func() { close(c.done) }) }

func (c *fakeConn) Bound(sessionID string) {
	c.mu.Lock()
	c.session = sessionID
	c.mu.Unlock()
}

func (c *fakeConn) boundTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *fakeConn) Deliver(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.mu.Lock()
	c.got = append(c.got, env)
	c.mu.Unlock()
	return true
}

type apiEnv struct {
	reg    *state.Registry
	creds  credential.Manager
	orch   *handoff.Orchestrator
	coord  *conflict.Coordinator
	h      *Handler
	ts     *httptest.Server
	client *http.Client
}

func newAPIEnv(t *testing.T, tokenOpts ...handoff.TokenOption) *apiEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := state.NewRegistry(log)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ccfg := credential.DefaultConfig()
	ccfg.JWTKey = bytes.Repeat([]byte("k"), 32)
	creds, err := credential.New(ccfg)
	if err != nil {
		t.Fatalf("credential.New: %v", err)
	}
	coord, err := conflict.NewCoordinator(log, reg, 0)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	orch, err := handoff.NewOrchestrator(log, reg, handoff.WithStepDelay(0))
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	tokens, err := handoff.NewTokens(orch, token.Hasher{}, tokenOpts...)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	h, err := NewHandler(log, DefaultConfig(), Deps{
		Registry:    reg,
		Credentials: creds,
		Conflicts:   coord,
		Handoffs:    orch,
		Tokens:      tokens,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &apiEnv{reg: reg, creds: creds, orch: orch, coord: coord, h: h, ts: ts, client: ts.Client()}
}

func (e *apiEnv) token(t *testing.T, userID, deviceID, sessionID string) string {
	t.Helper()
	tok, _, err := e.creds.Issue(credential.Identity{UserID: userID, DeviceID: deviceID, SessionID: sessionID}, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path, tok string, body any) (int, []byte, http.Header) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()
	out, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res.StatusCode, out, res.Header
}

func mustDecode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode %s: %v", string(b), err)
	}
	return out
}

func TestAPI_RequiresBearer(t *testing.T) {
	e := newAPIEnv(t)

	if status, _, _ := e.do(t, http.MethodGet, "/v1/sessions", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("no bearer: status=%d want 401", status)
	}
	status, body, _ := e.do(t, http.MethodGet, "/v1/sessions", "not-a-token", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad bearer: status=%d want 401", status)
	}
	if got := mustDecode[errorResponse](t, body); got.Error.Code != "unauthorized" {
		t.Fatalf("error code=%q", got.Error.Code)
	}
}

func TestAPI_SessionLifecycle(t *testing.T) {
	e := newAPIEnv(t)
	boot := e.token(t, "u1", "laptop", "bootstrap")

	status, body, _ := e.do(t, http.MethodPost, "/v1/sessions", boot, nil)
	if status != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", status, body)
	}
	created := mustDecode[credentialResponse](t, body)
	if created.SessionID == "" || created.Token == "" || created.DeviceID != "laptop" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	claims, err := e.creds.Verify(created.Token, time.Now())
	if err != nil {
		t.Fatalf("issued credential does not verify: %v", err)
	}
	if claims.SessionID != created.SessionID {
		t.Fatalf("credential session=%q want %q", claims.SessionID, created.SessionID)
	}

	status, body, _ = e.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, created.Token, nil)
	if status != http.StatusOK {
		t.Fatalf("snapshot: status=%d", status)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["created_at"]) != "null" {
		t.Fatalf("created_at=%s want null", raw["created_at"])
	}

	other := e.token(t, "u2", "phone", "elsewhere")
	if status, _, _ := e.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, other, nil); status != http.StatusNotFound {
		t.Fatalf("foreign snapshot: status=%d want 404", status)
	}

	status, body, _ = e.do(t, http.MethodPost, "/v1/sessions/"+created.SessionID+"/resume", boot, nil)
	if status != http.StatusOK {
		t.Fatalf("resume: status=%d body=%s", status, body)
	}
	if got := mustDecode[credentialResponse](t, body); got.SessionID != created.SessionID {
		t.Fatalf("resume session=%q", got.SessionID)
	}

	status, body, _ = e.do(t, http.MethodGet, "/v1/sessions", boot, nil)
	list := mustDecode[struct {
		Sessions []state.Info `json:"sessions"`
	}](t, body)
	if status != http.StatusOK || len(list.Sessions) != 1 || list.Sessions[0].SessionID != created.SessionID {
		t.Fatalf("list: status=%d body=%s", status, body)
	}

	if status, _, _ := e.do(t, http.MethodDelete, "/v1/sessions/"+created.SessionID, boot, nil); status != http.StatusNoContent {
		t.Fatalf("terminate: status=%d want 204", status)
	}
	if status, _, _ := e.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, boot, nil); status != http.StatusNotFound {
		t.Fatalf("after terminate: status=%d want 404", status)
	}
}

func TestAPI_Reconcile(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()
	tok := e.token(t, "u1", "laptop", "s1")

	if _, err := e.reg.Create(ctx, "s1", "u1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for k, v := range map[string]string{"a": `1`, "b": `2`} {
		if _, err := e.reg.Apply(ctx, "s1", state.Mutation{Key: k, Value: json.RawMessage(v), DeviceID: "phone"}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	local := map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`3`), "c": json.RawMessage(`4`)}

	status, body, _ := e.do(t, http.MethodPost, "/v1/sessions/s1/reconcile", tok, reconcileRequest{LocalState: local})
	if status != http.StatusOK {
		t.Fatalf("check: status=%d body=%s", status, body)
	}
	report := mustDecode[conflict.Report](t, body)
	if len(report.Keys) != 2 || report.Keys[0] != "b" || report.Keys[1] != "c" {
		t.Fatalf("conflicting keys=%v want [b c]", report.Keys)
	}

	status, body, _ = e.do(t, http.MethodPost, "/v1/sessions/s1/reconcile", tok, reconcileRequest{LocalState: local, Resolution: "merge"})
	if status != http.StatusOK {
		t.Fatalf("resolve: status=%d body=%s", status, body)
	}
	rec := mustDecode[conflict.Record](t, body)
	if string(rec.Result["b"]) != "2" || string(rec.Result["c"]) != "4" {
		t.Fatalf("merge result=%v", rec.Result)
	}

	status, _, _ = e.do(t, http.MethodPost, "/v1/sessions/s1/reconcile", tok, reconcileRequest{LocalState: local, Resolution: "coin-flip"})
	if status != http.StatusBadRequest {
		t.Fatalf("unknown resolution: status=%d want 400", status)
	}

	status, body, _ = e.do(t, http.MethodGet, "/v1/sessions/s1/conflicts", tok, nil)
	history := mustDecode[struct {
		Conflicts []conflict.Record `json:"conflicts"`
	}](t, body)
	if status != http.StatusOK || len(history.Conflicts) != 1 {
		t.Fatalf("history: status=%d body=%s", status, body)
	}
}

func TestAPI_RejectsUnknownFields(t *testing.T) {
	e := newAPIEnv(t)
	tok := e.token(t, "u1", "laptop", "s1")

	status, _, _ := e.do(t, http.MethodPost, "/v1/handoffs", tok, map[string]string{"session_id": "s1", "surprise": "x"})
	if status != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", status)
	}
}

func TestAPI_HandoffAcceptRebindsConnection(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()

	source := newFakeConn("c-laptop", "u1", "laptop")
	if _, err := e.reg.Attach(ctx, "s1", source); err != nil {
		t.Fatalf("Attach source: %v", err)
	}
	target := newFakeConn("c-phone", "u1", "phone")
	if _, err := e.reg.Attach(ctx, "s-phone", target); err != nil {
		t.Fatalf("Attach target: %v", err)
	}
	srcTok := e.token(t, "u1", "laptop", "s1")
	dstTok := e.token(t, "u1", "phone", "s-phone")

	status, body, _ := e.do(t, http.MethodPost, "/v1/handoffs", srcTok, initiateRequest{SessionID: "s1", TargetDeviceID: "phone"})
	if status != http.StatusCreated {
		t.Fatalf("initiate: status=%d body=%s", status, body)
	}
	req := mustDecode[handoff.Request](t, body)
	if req.Status != handoff.StatusPending {
		t.Fatalf("status=%s want pending", req.Status)
	}

	status, body, _ = e.do(t, http.MethodPost, "/v1/handoffs/"+req.ID+"/accept", dstTok, acceptRequest{ConnectionID: "c-phone"})
	if status != http.StatusAccepted {
		t.Fatalf("accept: status=%d body=%s", status, body)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := e.orch.Wait(waitCtx, req.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != handoff.StatusCompleted || final.Progress != 100 {
		t.Fatalf("final=%+v", final)
	}
	if sid, _ := e.reg.SessionOf("c-phone"); sid != "s1" {
		t.Fatalf("target bound to %q want s1", sid)
	}
	if got := target.boundTo(); got != "s1" {
		t.Fatalf("target connection sees session %q want s1", got)
	}

	status, body, _ = e.do(t, http.MethodGet, "/v1/handoffs/"+req.ID, srcTok, nil)
	if got := mustDecode[handoff.Request](t, body); status != http.StatusOK || got.Status != handoff.StatusCompleted {
		t.Fatalf("get: status=%d body=%s", status, body)
	}

	status, _, _ = e.do(t, http.MethodPost, "/v1/handoffs/"+req.ID+"/reject", srcTok, nil)
	if status != http.StatusOK {
		t.Fatalf("reject on terminal request: status=%d want 200", status)
	}

	foreign := e.token(t, "u2", "tablet", "s9")
	if status, _, _ := e.do(t, http.MethodGet, "/v1/handoffs/"+req.ID, foreign, nil); status != http.StatusNotFound {
		t.Fatalf("foreign get: status=%d want 404", status)
	}
}

func TestAPI_HandoffAcceptValidatesConnection(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()

	if _, err := e.reg.Attach(ctx, "s1", newFakeConn("c-laptop", "u1", "laptop")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := e.reg.Attach(ctx, "s-x", newFakeConn("c-other", "u2", "other")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	srcTok := e.token(t, "u1", "laptop", "s1")

	_, body, _ := e.do(t, http.MethodPost, "/v1/handoffs", srcTok, initiateRequest{SessionID: "s1"})
	req := mustDecode[handoff.Request](t, body)

	if status, _, _ := e.do(t, http.MethodPost, "/v1/handoffs/"+req.ID+"/accept", srcTok, acceptRequest{ConnectionID: "missing"}); status != http.StatusBadRequest {
		t.Fatalf("unknown connection: status=%d want 400", status)
	}
	if status, _, _ := e.do(t, http.MethodPost, "/v1/handoffs/"+req.ID+"/accept", srcTok, acceptRequest{ConnectionID: "c-other"}); status != http.StatusForbidden {
		t.Fatalf("foreign connection: status=%d want 403", status)
	}

	status, body, _ := e.do(t, http.MethodPost, "/v1/handoffs/"+req.ID+"/cancel", srcTok, nil)
	if got := mustDecode[handoff.Request](t, body); status != http.StatusOK || got.Status != handoff.StatusCancelled {
		t.Fatalf("cancel: status=%d body=%s", status, body)
	}
}

func TestAPI_QRTokenRedeem(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()

	if _, err := e.reg.Attach(ctx, "s1", newFakeConn("c-laptop", "u1", "laptop")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := e.reg.Attach(ctx, "s-phone", newFakeConn("c-phone", "u1", "phone")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	srcTok := e.token(t, "u1", "laptop", "s1")
	dstTok := e.token(t, "u1", "phone", "s-phone")

	status, body, hdr := e.do(t, http.MethodPost, "/v1/handoffs/qr?format=png", srcTok, nil)
	if status != http.StatusCreated || hdr.Get("Content-Type") != "image/png" {
		t.Fatalf("png: status=%d content-type=%q", status, hdr.Get("Content-Type"))
	}
	if !bytes.HasPrefix(body, []byte("\x89PNG")) {
		t.Fatalf("body is not a png")
	}

	status, body, _ = e.do(t, http.MethodPost, "/v1/handoffs/qr", srcTok, issueTokenRequest{SessionID: "s1"})
	if status != http.StatusCreated {
		t.Fatalf("issue: status=%d body=%s", status, body)
	}
	ticket := mustDecode[handoff.Ticket](t, body)
	if ticket.Token == "" || ticket.SessionID != "s1" {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}

	status, body, _ = e.do(t, http.MethodPost, "/v1/handoffs/qr/redeem", dstTok, redeemRequest{Token: ticket.Token, ConnectionID: "c-phone"})
	if status != http.StatusAccepted {
		t.Fatalf("redeem: status=%d body=%s", status, body)
	}
	req := mustDecode[handoff.Request](t, body)
	if req.TargetDeviceID != "phone" || req.SessionID != "s1" {
		t.Fatalf("unexpected request: %+v", req)
	}

	status, body, _ = e.do(t, http.MethodPost, "/v1/handoffs/qr/redeem", dstTok, redeemRequest{Token: ticket.Token, ConnectionID: "c-phone"})
	if status != http.StatusGone {
		t.Fatalf("second redeem: status=%d want 410", status)
	}
	if got := mustDecode[errorResponse](t, body); !got.FreshSession || got.Error.Code != "token_invalid" {
		t.Fatalf("second redeem body=%s", body)
	}
}

func TestAPI_QRStreamRotates(t *testing.T) {
	e := newAPIEnv(t, handoff.WithRotation(20*time.Millisecond))
	ctx := context.Background()

	if _, err := e.reg.Attach(ctx, "s1", newFakeConn("c-laptop", "u1", "laptop")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := e.reg.Attach(ctx, "s-phone", newFakeConn("c-phone", "u1", "phone")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	srcTok := e.token(t, "u1", "laptop", "s1")
	dstTok := e.token(t, "u1", "phone", "s-phone")

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, e.ts.URL+"/v1/handoffs/qr/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+srcTok)
	res, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("stream: status=%d content-type=%q", res.StatusCode, res.Header.Get("Content-Type"))
	}

	dec := json.NewDecoder(res.Body)
	var first, second handoff.Ticket
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("first ticket: %v", err)
	}
	if err := dec.Decode(&second); err != nil {
		t.Fatalf("second ticket: %v", err)
	}
	if first.SessionID != "s1" || second.SessionID != "s1" {
		t.Fatalf("tickets for wrong session: %q %q", first.SessionID, second.SessionID)
	}
	if first.Token == second.Token || first.ID == second.ID {
		t.Fatalf("ticket did not rotate: %+v", second)
	}

	status, body, _ := e.do(t, http.MethodPost, "/v1/handoffs/qr/redeem", dstTok, redeemRequest{Token: first.Token, ConnectionID: "c-phone"})
	if status != http.StatusGone {
		t.Fatalf("redeem rotated-out ticket: status=%d body=%s", status, body)
	}
}

func TestAPI_QRStreamRejectsForeignSession(t *testing.T) {
	e := newAPIEnv(t)

	if _, err := e.reg.Attach(context.Background(), "s1", newFakeConn("c-laptop", "u1", "laptop")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	tok := e.token(t, "u2", "tablet", "s-other")

	status, body, _ := e.do(t, http.MethodGet, "/v1/handoffs/qr/stream?session_id=s1", tok, nil)
	if status == http.StatusOK {
		t.Fatalf("foreign stream: status=%d body=%s", status, body)
	}
}

func TestAPI_QRStreamEndsOnClose(t *testing.T) {
	e := newAPIEnv(t, handoff.WithRotation(time.Hour))

	if _, err := e.reg.Attach(context.Background(), "s1", newFakeConn("c-laptop", "u1", "laptop")); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	tok := e.token(t, "u1", "laptop", "s1")

	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/v1/handoffs/qr/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	res, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	dec := json.NewDecoder(res.Body)
	var ticket handoff.Ticket
	if err := dec.Decode(&ticket); err != nil {
		t.Fatalf("ticket: %v", err)
	}

	e.h.Close()
	done := make(chan error, 1)
	go func() { done <- dec.Decode(&ticket) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("stream kept going after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not end after Close")
	}
}

func TestAPI_Devices(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()

	phone := newFakeConn("c-phone", "u1", "phone")
	if _, err := e.reg.Attach(ctx, "s1", phone); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	tok := e.token(t, "u1", "laptop", "s1")

	status, body, _ := e.do(t, http.MethodPatch, "/v1/devices/phone", tok, renameRequest{Name: "Pocket"})
	if status != http.StatusOK {
		t.Fatalf("rename: status=%d body=%s", status, body)
	}

	status, body, _ = e.do(t, http.MethodGet, "/v1/devices", tok, nil)
	list := mustDecode[struct {
		Devices []state.Device `json:"devices"`
	}](t, body)
	if status != http.StatusOK || len(list.Devices) != 1 || list.Devices[0].Name != "Pocket" {
		t.Fatalf("list: status=%d body=%s", status, body)
	}

	status, body, _ = e.do(t, http.MethodPost, "/v1/devices/phone/disconnect", tok, nil)
	if got := mustDecode[disconnectResponse](t, body); status != http.StatusOK || got.Disconnected != 1 {
		t.Fatalf("disconnect: status=%d body=%s", status, body)
	}
	select {
	case <-phone.Done():
	default:
		t.Fatalf("phone connection was not disconnected")
	}

	if status, _, _ := e.do(t, http.MethodPatch, "/v1/devices/phone", tok, renameRequest{Name: "  "}); status != http.StatusBadRequest {
		t.Fatalf("blank name: status=%d want 400", status)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if ip := clientIP(r, false); ip == nil || ip.String() != "10.0.0.1" {
		t.Fatalf("untrusted ip=%v", ip)
	}
	if ip := clientIP(r, true); ip == nil || ip.String() != "203.0.113.9" {
		t.Fatalf("trusted ip=%v", ip)
	}
}
