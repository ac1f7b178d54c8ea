package conflict

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuum/cmd/internal/state"
	v1 "continuum/shared/contracts/continuum/v1"
)

func raw(m map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestDetect(t *testing.T) {
	local := raw(map[string]string{"a": `1`, "b": `2`, "obj": `{"x":1,"y":2}`})
	remote := raw(map[string]string{"b": `3`, "c": `4`, "obj": `{"y":2, "x":1}`})

	assert.Equal(t, []string{"a", "b", "c"}, Detect(local, remote))
	assert.Empty(t, Detect(local, local))
	assert.Empty(t, Detect(nil, nil))
}

func TestApply_Strategies(t *testing.T) {
	local := raw(map[string]string{"a": `1`, "b": `2`})
	remote := raw(map[string]string{"b": `3`, "c": `4`})

	got, err := Apply(ResolutionMerge, local, remote)
	require.NoError(t, err)
	assert.Equal(t, raw(map[string]string{"a": `1`, "b": `3`, "c": `4`}), got)

	got, err = Apply(ResolutionLocal, local, remote)
	require.NoError(t, err)
	assert.Equal(t, local, got)

	got, err = Apply(ResolutionRemote, local, remote)
	require.NoError(t, err)
	assert.Equal(t, remote, got)

	_, err = Apply("newest", local, remote)
	assert.ErrorIs(t, err, ErrUnknownResolution)
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution(" Merge ")
	require.NoError(t, err)
	assert.Equal(t, ResolutionMerge, r)

	_, err = ParseResolution("")
	assert.ErrorIs(t, err, ErrUnknownResolution)
}

type recorder struct {
	connID string
	mu     sync.Mutex
	got    []v1.StateUpdatePayload
	done   chan struct{}
}

func newRecorder(id string) *recorder { return &recorder{connID: id, done: make(chan struct{})} }

func (r *recorder) ConnID() string { return r.connID }
func (r *recorder) UserID() string { return "u1" }
func (r *recorder) DeviceID() string { return "dev-" + r.connID }
func (r *recorder) Done() <-chan struct{} { return r.done }
func (r *recorder) Disconnect(string) {}
func (r *recorder) Bound(string)      {}

func (r *recorder) Deliver(env v1.Envelope) bool {
	var p v1.StateUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false
	}
	r.mu.Lock()
	r.got = append(r.got, p)
	r.mu.Unlock()
	return true
}

func (r *recorder) updates() []v1.StateUpdatePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]v1.StateUpdatePayload(nil), r.got...)
}

func newFixture(t *testing.T, opts ...state.Option) (*state.Registry, *Coordinator) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := state.NewRegistry(log, opts...)
	require.NoError(t, err)
	c, err := NewCoordinator(log, reg, 2)
	require.NoError(t, err)
	return reg, c
}

func seed(t *testing.T, reg *state.Registry, sessionID string, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		_, err := reg.Apply(context.Background(), sessionID, state.Mutation{Key: k, Value: json.RawMessage(v), DeviceID: "seed"})
		require.NoError(t, err)
	}
}

func TestResolve_MergeScenario(t *testing.T) {
	reg, c := newFixture(t)
	ctx := context.Background()
	seed(t, reg, "s1", map[string]string{"b": `3`, "c": `4`})

	requester := newRecorder("a")
	peer := newRecorder("b")
	_, err := reg.Attach(ctx, "s1", requester)
	require.NoError(t, err)
	_, err = reg.Attach(ctx, "s1", peer)
	require.NoError(t, err)

	local := raw(map[string]string{"a": `1`, "b": `2`})
	report, err := c.Check(ctx, "s1", local)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, report.Keys)

	rec, err := c.Resolve(ctx, "s1", "dev-a", local, ResolutionMerge)
	require.NoError(t, err)
	assert.Equal(t, raw(map[string]string{"a": `1`, "b": `3`, "c": `4`}), rec.Result)

	snap, err := reg.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, rec.Result, snap.Data())

	for _, sub := range []*recorder{requester, peer} {
		ups := sub.updates()
		require.Len(t, ups, 1, "only key a changed in the store")
		assert.Equal(t, "a", ups[0].Key)
	}
}

func TestResolve_LocalOverwritesAndBroadcastsDeletes(t *testing.T) {
	reg, c := newFixture(t)
	ctx := context.Background()
	seed(t, reg, "s1", map[string]string{"b": `3`, "c": `4`})

	sub := newRecorder("a")
	_, err := reg.Attach(ctx, "s1", sub)
	require.NoError(t, err)

	_, err = c.Resolve(ctx, "s1", "dev-a", raw(map[string]string{"a": `1`, "b": `2`}), ResolutionLocal)
	require.NoError(t, err)

	snap, _ := reg.Snapshot(ctx, "s1")
	assert.Equal(t, raw(map[string]string{"a": `1`, "b": `2`}), snap.Data())

	ups := sub.updates()
	require.Len(t, ups, 3)
	assert.Equal(t, "a", ups[0].Key)
	assert.Equal(t, "b", ups[1].Key)
	assert.Equal(t, "c", ups[2].Key)
	assert.True(t, ups[2].Deleted)
	assert.Equal(t, "dev-a", ups[0].UpdatedBy)
}

func TestResolve_RemoteKeepsStore(t *testing.T) {
	reg, c := newFixture(t)
	ctx := context.Background()
	seed(t, reg, "s1", map[string]string{"b": `3`})

	sub := newRecorder("a")
	_, err := reg.Attach(ctx, "s1", sub)
	require.NoError(t, err)

	rec, err := c.Resolve(ctx, "s1", "dev-a", raw(map[string]string{"b": `2`}), ResolutionRemote)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, rec.Keys)
	assert.Empty(t, sub.updates())

	snap, _ := reg.Snapshot(ctx, "s1")
	assert.Equal(t, "3", string(snap.Data()["b"]))
}

func TestResolve_HistoryIsBounded(t *testing.T) {
	reg, c := newFixture(t)
	ctx := context.Background()
	seed(t, reg, "s1", map[string]string{"k": `0`})

	for _, v := range []string{`1`, `2`, `3`} {
		_, err := c.Resolve(ctx, "s1", "dev-a", raw(map[string]string{"k": v}), ResolutionLocal)
		require.NoError(t, err)
	}

	h := c.History("s1")
	require.Len(t, h, 2)
	assert.Equal(t, "2", string(h[0].Local["k"]))
	assert.Equal(t, "3", string(h[1].Local["k"]))

	c.Forget("s1")
	assert.Empty(t, c.History("s1"))
}

func TestHistory_DroppedWithSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg, c := newFixture(t, state.WithTTL(time.Minute), state.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for _, id := range []string{"s-old", "s-gone"} {
		seed(t, reg, id, map[string]string{"k": `0`})
		_, err := c.Resolve(ctx, id, "dev-a", raw(map[string]string{"k": `1`}), ResolutionLocal)
		require.NoError(t, err)
		require.Len(t, c.History(id), 1)
	}

	require.NoError(t, reg.Terminate(ctx, "s-gone"))
	assert.Empty(t, c.History("s-gone"))
	assert.Len(t, c.History("s-old"), 1)

	now = now.Add(2 * time.Minute)
	require.Equal(t, 1, reg.Sweep(ctx))
	assert.Empty(t, c.History("s-old"))
}

func TestResolve_UnknownResolution(t *testing.T) {
	_, c := newFixture(t)
	_, err := c.Resolve(context.Background(), "s1", "dev-a", nil, "coin-flip")
	assert.ErrorIs(t, err, ErrUnknownResolution)
}
