package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresBackend_WriteThroughAndReload(t *testing.T) {
	pool, dsn := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	defer mustDropSchema(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, Migrate(ctx, pool, dsn, schema, "up"))
	require.NoError(t, Migrate(ctx, pool, dsn, schema, "up"), "second up is a no-op")

	be, err := NewPostgresBackend(pool, WithSchema(schema))
	require.NoError(t, err)

	first, err := NewRegistry(quietLogger(), WithBackend(be))
	require.NoError(t, err)

	_, err = first.Apply(ctx, "s1", set("counter", `1`))
	require.NoError(t, err)
	_, err = first.Apply(ctx, "s1", set("profile", `{"name":"Ada","tags":["a","b"]}`))
	require.NoError(t, err)
	_, err = first.Apply(ctx, "s1", set("counter", `2`))
	require.NoError(t, err)
	_, err = first.Apply(ctx, "s1", set("nothing", `null`))
	require.NoError(t, err)

	second, err := NewRegistry(quietLogger(), WithBackend(be))
	require.NoError(t, err)
	snap, err := second.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "2", string(snap.Data()["counter"]))
	assert.JSONEq(t, `{"name":"Ada","tags":["a","b"]}`, string(snap.Data()["profile"]))
	assert.Equal(t, "null", string(snap.Data()["nothing"]))
	require.NotNil(t, snap.CreatedAt)

	_, err = second.Transform(ctx, "s1", "dev-b", func(cur map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		return map[string]json.RawMessage{"counter": cur["counter"]}, nil
	})
	require.NoError(t, err)

	rec, err := be.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, rec.Entries, 1)

	require.NoError(t, second.Terminate(ctx, "s1"))
	_, err = be.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresBackend_DeleteExpired(t *testing.T) {
	pool, dsn := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	defer mustDropSchema(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, Migrate(ctx, pool, dsn, schema, "up"))

	be, err := NewPostgresBackend(pool, WithSchema(schema))
	require.NoError(t, err)

	now := time.Now().UTC()
	old := Meta{SessionID: "old", LastActivity: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	fresh := Meta{SessionID: "fresh", LastActivity: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, be.PutEntry(ctx, old, Entry{Key: "k", Value: json.RawMessage(`1`), UpdatedAt: now}))
	require.NoError(t, be.PutEntry(ctx, fresh, Entry{Key: "k", Value: json.RawMessage(`1`), UpdatedAt: now}))

	n, err := be.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = be.Load(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = be.Load(ctx, "fresh")
	assert.NoError(t, err)
}

func TestWithSchema_RejectsBadIdentifier(t *testing.T) {
	_, err := NewPostgresBackend(nil, WithSchema("drop table;"))
	require.Error(t, err)
}

func mustOpenTestPool(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CONTINUUM_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CONTINUUM_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse CONTINUUM_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire postgres: %v", err)
	}
	c.Release()
	return pool, raw
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	schema := "continuum_it_" + hex.EncodeToString(b[:])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
