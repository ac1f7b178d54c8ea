package state

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNoChange is returned when there is nothing to migrate.
var ErrNoChange = migrate.ErrNoChange

// Migrate applies the embedded session schema migrations into schema.
// direction is "up" or "down". The schema itself is created with pool when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dsn, schema, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("state: database url is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("state: direction must be up or down, got %q", direction)
	}
	if schema == "" {
		schema = DefaultSchema
	}
	if !isValidPGIdent(schema) {
		return errors.New("state: invalid schema identifier")
	}

	if pool != nil {
		if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	target, err := withSearchPath(dsn, schema)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, target)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// withSearchPath pins the migration connection to schema so unqualified table names and the
// schema_migrations bookkeeping table land there.
func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return "", errors.New("state: migrations need a postgres:// url")
	}
	q := u.Query()
	for k := range q {
		if strings.HasPrefix(k, "pool_") {
			q.Del(k)
		}
	}
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
