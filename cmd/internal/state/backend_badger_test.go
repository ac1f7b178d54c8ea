package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerBackend_ReloadsIntoFreshRegistry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	be, err := OpenBadgerBackend(BadgerConfig{Path: dir})
	require.NoError(t, err)
	first, err := NewRegistry(quietLogger(), WithBackend(be))
	require.NoError(t, err)

	_, err = first.Apply(ctx, "s1", set("theme", `"dark"`))
	require.NoError(t, err)
	_, err = first.Apply(ctx, "s1", set("cart", `{"items":[1,2]}`))
	require.NoError(t, err)
	_, err = first.Apply(ctx, "s1", Mutation{Key: "theme", Delete: true})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	be2, err := OpenBadgerBackend(BadgerConfig{Path: dir})
	require.NoError(t, err)
	second := newTestRegistry(t, WithBackend(be2))

	snap, err := second.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
	assert.JSONEq(t, `{"items":[1,2]}`, string(snap.Data()["cart"]))
	assert.Equal(t, "dev-a", snap.Entries["cart"].UpdatedBy)
	require.NotNil(t, snap.CreatedAt)
}

func TestBadgerBackend_ReplaceAndDelete(t *testing.T) {
	be, err := OpenBadgerBackend(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Close() })
	ctx := context.Background()

	now := time.Now().UTC()
	rec := Record{
		Meta: Meta{SessionID: "s1", UserID: "u1", CreatedAt: &now, LastActivity: now, ExpiresAt: now.Add(time.Hour)},
		Entries: map[string]Entry{
			"a": {Key: "a", Value: json.RawMessage(`1`), UpdatedAt: now, UpdatedBy: "d"},
		},
	}
	require.NoError(t, be.Replace(ctx, rec))

	got, err := be.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, json.RawMessage(`1`), got.Entries["a"].Value)

	require.NoError(t, be.Delete(ctx, "s1"))
	_, err = be.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerBackend_CloseIdempotent(t *testing.T) {
	be, err := OpenBadgerBackend(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, be.Close())
	assert.NoError(t, be.Close())
}
