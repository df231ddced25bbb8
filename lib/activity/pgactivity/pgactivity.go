/*
 * Pulse
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package pgactivity implements the activity storage on PostgreSQL:
// the raw event buffer, the aggregation transaction, and the feed,
// heatmap and image read models.
package pgactivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/activity"
)

// schema is applied statement by statement on startup. Every statement
// is idempotent. The actors, folders, elements, projects and images
// tables belong to the embedding application and are only read.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS raw_events (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		session_fingerprint TEXT NOT NULL,
		project_id UUID NOT NULL,
		actor_id UUID NOT NULL,
		kind TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		target_kind TEXT NOT NULL DEFAULT '',
		detail JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS raw_events_session_idx
		ON raw_events (session_fingerprint, created_at)`,
	`CREATE INDEX IF NOT EXISTS raw_events_created_at_idx
		ON raw_events (created_at)`,

	`CREATE TABLE IF NOT EXISTS activities (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		project_id UUID NOT NULL,
		actor_id UUID NOT NULL,
		title TEXT NOT NULL,
		summary JSONB NOT NULL DEFAULT '{}',
		affected_folders UUID[] NOT NULL DEFAULT '{}',
		affected_elements UUID[] NOT NULL DEFAULT '{}',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS activities_project_ended_idx
		ON activities (project_id, ended_at DESC)`,
	`CREATE INDEX IF NOT EXISTS activities_summary_idx
		ON activities USING GIN (summary)`,
	`CREATE INDEX IF NOT EXISTS activities_folders_idx
		ON activities USING GIN (affected_folders)`,
	`CREATE INDEX IF NOT EXISTS activities_elements_idx
		ON activities USING GIN (affected_elements)`,

	`CREATE TABLE IF NOT EXISTS daily_activity_summary (
		activity_date DATE NOT NULL,
		project_id UUID NOT NULL,
		actor_id UUID NOT NULL,
		event_count INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (activity_date, project_id, actor_id)
	)`,
}

// Config holds the store settings.
type Config struct {
	// ConnString is the pgx connection string of the activity
	// database.
	ConnString string
	// Pool is an existing connection pool to use instead of
	// ConnString. The store does not close a borrowed pool.
	Pool *pgxpool.Pool
	// DisableSchemaSetup skips the idempotent DDL on startup.
	DisableSchemaSetup bool
	// Logger emits store diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" && c.Pool == nil {
		return trace.BadParameter("missing required value ConnString")
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentPulse)
	}
	return nil
}

// Store reads and writes the activity tables. It implements
// activity.EventWriter, activity.SessionStore, activity.FeedStore and
// activity.ImageLookup.
type Store struct {
	cfg      Config
	pool     *pgxpool.Pool
	ownsPool bool
}

// New connects to the activity database and prepares the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	pool := cfg.Pool
	ownsPool := false
	if pool == nil {
		poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
		if err != nil {
			return nil, trace.Wrap(err, "parsing connection string")
		}
		if poolConfig.ConnConfig.RuntimeParams == nil {
			poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolConfig.ConnConfig.RuntimeParams["application_name"] = "pulse"
		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, trace.Wrap(err, "connecting to the activity database")
		}
		ownsPool = true
	}

	s := &Store{cfg: cfg, pool: pool, ownsPool: ownsPool}
	if err := s.pool.Ping(ctx); err != nil {
		s.Close()
		return nil, trace.Wrap(convertError(err), "pinging the activity database")
	}
	if !cfg.DisableSchemaSetup {
		if err := s.setupSchema(ctx); err != nil {
			s.Close()
			return nil, trace.Wrap(err, "setting up the activity schema")
		}
	}
	return s, nil
}

func (s *Store) setupSchema(ctx context.Context) error {
	started := time.Now()
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return trace.Wrap(convertError(err))
		}
	}
	s.cfg.Logger.DebugContext(ctx, "Activity schema is up to date",
		"elapsed", time.Since(started).String())
	return nil
}

// InTx runs fn inside one transaction. Producers use it to record
// events atomically with their own writes.
func (s *Store) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return convertError(pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn))
}

// Ping probes database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return convertError(s.pool.Ping(ctx))
}

// Close releases the pool unless it was borrowed.
func (s *Store) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}

var (
	_ activity.EventWriter  = (*Store)(nil)
	_ activity.SessionStore = (*Store)(nil)
	_ activity.FeedStore    = (*Store)(nil)
	_ activity.ImageLookup  = (*Store)(nil)
)
