// Package postgres provides Postgres-backed persistence for the run ledger
// and the job posting corpus. All coordination (claims, leases, identity
// uniqueness) is expressed as conditional updates and constraints so the
// service scales horizontally without any in-process locking.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used by the stores; pgxmock satisfies
// it in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool builds a pgx connection pool from Config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

// Schema is the DDL for the discovery tables. Applied out of band; kept here
// so the claim and upsert statements can be read against it.
const Schema = `
CREATE TABLE IF NOT EXISTS discovery_runs (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	status            TEXT NOT NULL,
	target            JSONB NOT NULL DEFAULT '{}',
	claimed_by        TEXT NOT NULL DEFAULT '',
	lease_expires_at  TIMESTAMPTZ,
	reclaims          INT NOT NULL DEFAULT 0,
	enqueued_at       TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	finished_at       TIMESTAMPTZ,
	scraped_count     INT NOT NULL DEFAULT 0,
	new_count         INT NOT NULL DEFAULT 0,
	updated_count     INT NOT NULL DEFAULT 0,
	unchanged_count   INT NOT NULL DEFAULT 0,
	invalid_count     INT NOT NULL DEFAULT 0,
	invalidated_count INT NOT NULL DEFAULT 0,
	failure_reason    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS discovery_runs_status_idx ON discovery_runs (status, lease_expires_at);
CREATE INDEX IF NOT EXISTS discovery_runs_enqueued_idx ON discovery_runs (enqueued_at DESC);

CREATE TABLE IF NOT EXISTS job_postings (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	company          TEXT NOT NULL,
	location         TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	requirements     TEXT[] NOT NULL DEFAULT '{}',
	experience_level TEXT NOT NULL DEFAULT '',
	application_url  TEXT NOT NULL,
	canonical_url    TEXT NOT NULL UNIQUE,
	content_hash     TEXT NOT NULL,
	available        BOOLEAN NOT NULL DEFAULT TRUE,
	first_seen_at    TIMESTAMPTZ NOT NULL,
	last_seen_at     TIMESTAMPTZ NOT NULL,
	last_run_id      TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS job_postings_available_idx ON job_postings (available, last_run_id);
`
