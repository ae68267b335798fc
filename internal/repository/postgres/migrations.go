package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Up      string
}

// AllMigrations contains all schema migrations in order
var AllMigrations = []Migration{
	{Version: 1, Up: migrationV1},
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS cached_responses (
    id UUID PRIMARY KEY,
    question TEXT NOT NULL,
    normalized_question TEXT NOT NULL UNIQUE,
    variations TEXT[] NOT NULL DEFAULT '{}',
    answer TEXT NOT NULL,
    sources JSONB NOT NULL DEFAULT '[]',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT 'auto',
    positive_feedback INTEGER NOT NULL DEFAULT 0,
    negative_feedback INTEGER NOT NULL DEFAULT 0,
    neutral_feedback INTEGER NOT NULL DEFAULT 0,
    serve_count BIGINT NOT NULL DEFAULT 0,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    expires_at TIMESTAMPTZ NOT NULL,
    last_served_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_cached_responses_variations ON cached_responses USING GIN (variations);
CREATE INDEX IF NOT EXISTS idx_cached_responses_active ON cached_responses (active, expires_at);

CREATE TABLE IF NOT EXISTS source_scores (
    source_key TEXT PRIMARY KEY,
    helpful INTEGER NOT NULL DEFAULT 0,
    not_helpful INTEGER NOT NULL DEFAULT 0,
    helpful_with_issues INTEGER NOT NULL DEFAULT 0,
    total INTEGER NOT NULL DEFAULT 0,
    issue_counts JSONB NOT NULL DEFAULT '{}',
    score DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS query_patterns (
    signature TEXT PRIMARY KEY,
    success_count INTEGER NOT NULL DEFAULT 0,
    sources TEXT[] NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS feedback_events (
    id UUID PRIMARY KEY,
    message_id TEXT NOT NULL,
    cache_id UUID,
    query TEXT NOT NULL DEFAULT '',
    rating TEXT NOT NULL,
    comment TEXT NOT NULL DEFAULT '',
    weight DOUBLE PRECISION NOT NULL,
    issues TEXT[] NOT NULL DEFAULT '{}',
    sources TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_feedback_events_created ON feedback_events (created_at DESC);

CREATE TABLE IF NOT EXISTS feedback_analysis_runs (
    id BIGSERIAL PRIMARY KEY,
    ran_at TIMESTAMPTZ NOT NULL,
    events_processed INTEGER NOT NULL,
    sources_scored INTEGER NOT NULL,
    patterns_built INTEGER NOT NULL
);
`

// Migrate applies every migration newer than the recorded schema version.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	if err := db.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range AllMigrations {
		if m.Version <= current {
			continue
		}
		err := db.withTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.Version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
