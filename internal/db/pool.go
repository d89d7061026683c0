// Package db keeps egg accounts in PostgreSQL through a pgx pool.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions overrides the pool sizing. Zero fields keep the defaults.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

func Connect(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE SCHEMA IF NOT EXISTS eggsync;

CREATE TABLE IF NOT EXISTS eggsync.users (
	user_id     TEXT PRIMARY KEY,
	username    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS eggsync.egg_accounts (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL REFERENCES eggsync.users(user_id) ON DELETE CASCADE,
	external_id          TEXT NOT NULL,
	status               TEXT NOT NULL CHECK (status IN ('Main', 'Alt')),
	display_name         TEXT,
	boosts_used          BIGINT,
	soul_eggs            DOUBLE PRECISION,
	eggs_of_prophecy     BIGINT,
	truth_eggs           BIGINT,
	golden_eggs_earned   BIGINT,
	golden_eggs_spent    BIGINT,
	golden_eggs_balance  BIGINT,
	crafting_xp          DOUBLE PRECISION,
	mer                  DOUBLE PRECISION,
	jer                  DOUBLE PRECISION,
	cer                  DOUBLE PRECISION,
	eb                   DOUBLE PRECISION,
	last_fetched_at      TIMESTAMPTZ,
	raw_payload          TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, external_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS egg_accounts_one_main
	ON eggsync.egg_accounts (user_id) WHERE status = 'Main';

CREATE TABLE IF NOT EXISTS eggsync.refresh_leases (
	user_id      TEXT NOT NULL REFERENCES eggsync.users(user_id) ON DELETE CASCADE,
	external_id  TEXT NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, external_id)
);
`

// Migrate creates the eggsync schema when it is missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
