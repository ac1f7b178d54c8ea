package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbApplicationName = "continuum"

// NewDBPool opens the pool backing the postgres session store and waits for one connection.
// It does not run migrations; see state.Migrate and StateConfig.AutoMigrate.
func NewDBPool(ctx context.Context, cfg StateConfig) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}
	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// dbPoolConfig applies the state.db_* limits on top of the URL. The URL may set its own
// application_name; otherwise sessions show up as continuum in pg_stat_activity.
func dbPoolConfig(cfg StateConfig) (*pgxpool.Config, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("db: state.database_url is required for the postgres backend")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, errors.New("db: invalid state.database_url")
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}
	return pcfg, nil
}

// PingDB reports whether the database answers within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("db: ping: %w", err)
	}
	return nil
}
