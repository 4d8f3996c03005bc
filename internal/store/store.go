// Package store is the Postgres persistence layer: catalog upserts, the
// hourly fact table with its merge-upsert rule, and ingestion watermarks.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Store wraps database access helpers.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New creates a Store backed by a pgx pool.
func New(ctx context.Context, databaseURL string, log zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, log: log.With().Str("component", "store").Logger()}, nil
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS location (
		location_id bigint PRIMARY KEY,
		name        text NOT NULL,
		lon         double precision,
		lat         double precision
	)`,
	`CREATE TABLE IF NOT EXISTS thing (
		thing_id bigint PRIMARY KEY,
		name     text NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS thing_location (
		thing_id    bigint NOT NULL,
		location_id bigint NOT NULL,
		start_time  timestamptz NOT NULL,
		end_time    timestamptz NOT NULL,
		PRIMARY KEY (thing_id, start_time)
	)`,
	`CREATE TABLE IF NOT EXISTS observed_property (
		obs_prop_id bigint PRIMARY KEY,
		name        text NOT NULL,
		unit_symbol text
	)`,
	`CREATE TABLE IF NOT EXISTS datastream (
		datastream_id bigint PRIMARY KEY,
		thing_id      bigint,
		obs_prop_id   bigint,
		unit_symbol   text
	)`,
	`CREATE TABLE IF NOT EXISTS observation_hour (
		datastream_id bigint NOT NULL,
		thing_id      bigint,
		location_id   bigint NOT NULL,
		hour          timestamptz NOT NULL,
		avg_val       double precision NOT NULL,
		min_val       double precision NOT NULL,
		max_val       double precision NOT NULL,
		cnt           bigint NOT NULL,
		CONSTRAINT observation_hour_key UNIQUE (datastream_id, location_id, hour)
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_state (
		datastream_id bigint PRIMARY KEY,
		last_time     timestamptz
	)`,
}

// EnsureSchema creates missing tables and applies the best-effort
// observed_property identity migration: the legacy name-only uniqueness gives
// way to (name, unit_symbol).
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	// Idempotent-if-already-applied: a missing constraint is fine.
	if _, err := s.pool.Exec(ctx, `ALTER TABLE observed_property DROP CONSTRAINT observed_property_name_key`); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedObject {
			s.log.Debug().Msg("legacy observed_property name constraint absent, nothing to drop")
		} else {
			s.log.Warn().Err(err).Msg("could not drop legacy observed_property constraint")
		}
	} else {
		s.log.Info().Msg("dropped legacy observed_property name-only constraint")
	}

	if _, err := s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_op_name_unit ON observed_property (name, unit_symbol)`); err != nil {
		s.log.Warn().Err(err).Msg("could not create observed_property (name, unit) index")
	}

	return nil
}

const pgUndefinedObject = "42704"

// beginTx opens a read-write transaction.
func (s *Store) beginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}
