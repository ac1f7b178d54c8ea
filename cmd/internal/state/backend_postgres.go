package state

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema holding the session tables.
const DefaultSchema = "continuum"

// PostgresBackend persists sessions in two tables: sessions (metadata) and session_state
// (one row per key).
//
// Ownership model: the pool is owned by the caller, Close is a no-op.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresBackend.
type PostgresOption func(*PostgresBackend) error

// WithSchema sets the schema used by the backend (default: "continuum").
// The schema name is validated and quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(b *PostgresBackend) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("state: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("state: invalid schema identifier")
		}
		b.schema = schema
		return nil
	}
}

// NewPostgresBackend builds a Postgres-backed Backend. Tables must already exist (see Migrate).
func NewPostgresBackend(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresBackend, error) {
	b := &PostgresBackend{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.pool == nil {
		return nil, errors.New("state: nil pool")
	}
	return b, nil
}

func (b *PostgresBackend) Close() error { return nil }

func (b *PostgresBackend) Load(ctx context.Context, sessionID string) (Record, error) {
	sessions := pgIdent(b.schema, "sessions")
	stateTbl := pgIdent(b.schema, "session_state")

	var rec Record
	err := b.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at, last_activity_at, expires_at
		   FROM `+sessions+`
		  WHERE id = $1`,
		sessionID,
	).Scan(&rec.SessionID, &rec.UserID, &rec.CreatedAt, &rec.LastActivity, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load session: %w", err)
	}

	rows, err := b.pool.Query(ctx,
		`SELECT key, value, updated_at, updated_by
		   FROM `+stateTbl+`
		  WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return Record{}, fmt.Errorf("load state: %w", err)
	}
	defer rows.Close()

	rec.Entries = make(map[string]Entry)
	for rows.Next() {
		var (
			e   Entry
			raw []byte
		)
		if err := rows.Scan(&e.Key, &raw, &e.UpdatedAt, &e.UpdatedBy); err != nil {
			return Record{}, err
		}
		e.Value = raw
		rec.Entries[e.Key] = e
	}
	if err := rows.Err(); err != nil {
		return Record{}, err
	}

	rec.LastActivity = rec.LastActivity.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

func (b *PostgresBackend) PutEntry(ctx context.Context, meta Meta, e Entry) error {
	return b.inTx(ctx, func(tx pgx.Tx) error {
		if err := b.upsertMeta(ctx, tx, meta); err != nil {
			return err
		}
		return b.upsertEntry(ctx, tx, meta.SessionID, e)
	})
}

func (b *PostgresBackend) DeleteEntry(ctx context.Context, meta Meta, key string) error {
	return b.inTx(ctx, func(tx pgx.Tx) error {
		if err := b.upsertMeta(ctx, tx, meta); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM `+pgIdent(b.schema, "session_state")+` WHERE session_id = $1 AND key = $2`,
			meta.SessionID, key,
		)
		return err
	})
}

func (b *PostgresBackend) Replace(ctx context.Context, rec Record) error {
	return b.inTx(ctx, func(tx pgx.Tx) error {
		if err := b.upsertMeta(ctx, tx, rec.Meta); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+pgIdent(b.schema, "session_state")+` WHERE session_id = $1`,
			rec.SessionID,
		); err != nil {
			return err
		}
		for _, e := range rec.Entries {
			if err := b.upsertEntry(ctx, tx, rec.SessionID, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *PostgresBackend) Delete(ctx context.Context, sessionID string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM `+pgIdent(b.schema, "sessions")+` WHERE id = $1`, sessionID)
	return err
}

// DeleteExpired purges every session whose expiry is at or before now.
func (b *PostgresBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM `+pgIdent(b.schema, "sessions")+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) upsertMeta(ctx context.Context, tx pgx.Tx, m Meta) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(b.schema, "sessions")+` (id, user_id, created_at, last_activity_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		    SET user_id = EXCLUDED.user_id,
		        created_at = COALESCE(`+pgIdent(b.schema, "sessions")+`.created_at, EXCLUDED.created_at),
		        last_activity_at = EXCLUDED.last_activity_at,
		        expires_at = EXCLUDED.expires_at`,
		m.SessionID, m.UserID, m.CreatedAt, m.LastActivity, m.ExpiresAt,
	)
	return err
}

func (b *PostgresBackend) upsertEntry(ctx context.Context, tx pgx.Tx, sessionID string, e Entry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(b.schema, "session_state")+` (session_id, key, value, updated_at, updated_by)
		 VALUES ($1, $2, $3::jsonb, $4, $5)
		 ON CONFLICT (session_id, key) DO UPDATE
		    SET value = EXCLUDED.value,
		        updated_at = EXCLUDED.updated_at,
		        updated_by = EXCLUDED.updated_by`,
		sessionID, e.Key, string(e.Value), e.UpdatedAt, e.UpdatedBy,
	)
	return err
}

func (b *PostgresBackend) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
