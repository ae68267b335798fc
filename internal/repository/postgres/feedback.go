package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/ragcache/internal/repository"
)

// analysisLockKey serializes full feedback analysis runs across processes.
const analysisLockKey int64 = 0x7261676361636865

// FeedbackRepo implements repository.FeedbackRepository
type FeedbackRepo struct {
	db *DB
}

// NewFeedbackRepo creates a new feedback repository
func NewFeedbackRepo(db *DB) *FeedbackRepo {
	return &FeedbackRepo{db: db}
}

// GetSourceScores returns the stored scores for the given keys. Missing keys
// are absent from the map.
func (r *FeedbackRepo) GetSourceScores(ctx context.Context, keys []string) (map[string]*repository.SourceScore, error) {
	scores := make(map[string]*repository.SourceScore, len(keys))
	if len(keys) == 0 {
		return scores, nil
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT source_key, helpful, not_helpful, helpful_with_issues, total, issue_counts, score, updated_at
		FROM source_scores
		WHERE source_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query source scores: %w", repository.ErrPersistence, err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSourceScore(rows)
		if err != nil {
			return nil, err
		}
		scores[s.SourceKey] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate source scores: %w", repository.ErrPersistence, err)
	}
	return scores, nil
}

// GetQueryPattern returns the pattern for a query signature
func (r *FeedbackRepo) GetQueryPattern(ctx context.Context, signature string) (*repository.QueryPattern, error) {
	var p repository.QueryPattern
	err := r.db.Pool.QueryRow(ctx, `
		SELECT signature, success_count, sources, updated_at
		FROM query_patterns
		WHERE signature = $1`, signature).Scan(&p.Signature, &p.SuccessCount, &p.Sources, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get query pattern: %w", repository.ErrPersistence, err)
	}
	return &p, nil
}

// UpdateSourceScore applies fn to the locked row for key and writes it back.
// The row is created first so concurrent first updates serialize on its lock.
func (r *FeedbackRepo) UpdateSourceScore(ctx context.Context, key string, fn func(*repository.SourceScore)) (*repository.SourceScore, error) {
	var updated *repository.SourceScore
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO source_scores (source_key) VALUES ($1) ON CONFLICT DO NOTHING`, key); err != nil {
			return fmt.Errorf("%w: failed to create source score: %w", repository.ErrPersistence, err)
		}

		row := tx.QueryRow(ctx, `
			SELECT source_key, helpful, not_helpful, helpful_with_issues, total, issue_counts, score, updated_at
			FROM source_scores
			WHERE source_key = $1
			FOR UPDATE`, key)

		current, err := scanSourceScore(row)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			current = &repository.SourceScore{SourceKey: key, IssueCounts: map[string]int{}}
		case err != nil:
			return err
		}

		fn(current)
		current.SourceKey = key
		current.UpdatedAt = time.Now().UTC()

		if err := upsertSourceScore(ctx, tx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ReplaceAnalysis clears and rebuilds source scores and query patterns in
// one transaction guarded by an advisory lock.
func (r *FeedbackRepo) ReplaceAnalysis(ctx context.Context, scores []*repository.SourceScore, patterns []*repository.QueryPattern, run repository.AnalysisRun) error {
	return r.db.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, analysisLockKey); err != nil {
			return fmt.Errorf("%w: failed to acquire analysis lock: %w", repository.ErrPersistence, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM source_scores`); err != nil {
			return fmt.Errorf("%w: failed to clear source scores: %w", repository.ErrPersistence, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM query_patterns`); err != nil {
			return fmt.Errorf("%w: failed to clear query patterns: %w", repository.ErrPersistence, err)
		}

		for _, s := range scores {
			if err := upsertSourceScore(ctx, tx, s); err != nil {
				return err
			}
		}
		for _, p := range patterns {
			sources := p.Sources
			if sources == nil {
				sources = []string{}
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO query_patterns (signature, success_count, sources, updated_at)
				VALUES ($1, $2, $3, $4)`, p.Signature, p.SuccessCount, sources, p.UpdatedAt); err != nil {
				return fmt.Errorf("%w: failed to insert query pattern: %w", repository.ErrPersistence, err)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO feedback_analysis_runs (ran_at, events_processed, sources_scored, patterns_built)
			VALUES ($1, $2, $3, $4)`, run.RanAt, run.EventsProcessed, run.SourcesScored, run.PatternsBuilt); err != nil {
			return fmt.Errorf("%w: failed to record analysis run: %w", repository.ErrPersistence, err)
		}
		return nil
	})
}

// LastAnalysis returns the most recent analysis run
func (r *FeedbackRepo) LastAnalysis(ctx context.Context) (*repository.AnalysisRun, error) {
	var run repository.AnalysisRun
	err := r.db.Pool.QueryRow(ctx, `
		SELECT ran_at, events_processed, sources_scored, patterns_built
		FROM feedback_analysis_runs
		ORDER BY ran_at DESC
		LIMIT 1`).Scan(&run.RanAt, &run.EventsProcessed, &run.SourcesScored, &run.PatternsBuilt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get last analysis: %w", repository.ErrPersistence, err)
	}
	return &run, nil
}

// AppendEvent stores a classified feedback event
func (r *FeedbackRepo) AppendEvent(ctx context.Context, ev *repository.FeedbackEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	issues, sources := ev.Issues, ev.Sources
	if issues == nil {
		issues = []string{}
	}
	if sources == nil {
		sources = []string{}
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO feedback_events (id, message_id, cache_id, query, rating, comment, weight, issues, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.MessageID, ev.CacheID, ev.Query, string(ev.Rating), ev.Comment, ev.Weight,
		issues, sources, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to append feedback event: %w", repository.ErrPersistence, err)
	}
	return nil
}

// ListEvents returns up to limit events, newest first
func (r *FeedbackRepo) ListEvents(ctx context.Context, limit int) ([]*repository.FeedbackEvent, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, message_id, cache_id, query, rating, comment, weight, issues, sources, created_at
		FROM feedback_events
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list feedback events: %w", repository.ErrPersistence, err)
	}
	defer rows.Close()

	var events []*repository.FeedbackEvent
	for rows.Next() {
		var ev repository.FeedbackEvent
		var rating string
		if err := rows.Scan(&ev.ID, &ev.MessageID, &ev.CacheID, &ev.Query, &rating, &ev.Comment,
			&ev.Weight, &ev.Issues, &ev.Sources, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan feedback event: %w", repository.ErrPersistence, err)
		}
		ev.Rating = repository.Rating(rating)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate feedback events: %w", repository.ErrPersistence, err)
	}
	return events, nil
}

func scanSourceScore(row pgx.Row) (*repository.SourceScore, error) {
	var s repository.SourceScore
	var issuesJSON []byte
	err := row.Scan(&s.SourceKey, &s.Helpful, &s.NotHelpful, &s.HelpfulWithIssues, &s.Total,
		&issuesJSON, &s.Score, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to scan source score: %w", repository.ErrPersistence, err)
	}
	s.IssueCounts = map[string]int{}
	if len(issuesJSON) > 0 {
		if err := json.Unmarshal(issuesJSON, &s.IssueCounts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal issue counts: %w", err)
		}
	}
	return &s, nil
}

func upsertSourceScore(ctx context.Context, tx pgx.Tx, s *repository.SourceScore) error {
	issuesJSON, err := json.Marshal(s.IssueCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal issue counts: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO source_scores (source_key, helpful, not_helpful, helpful_with_issues, total, issue_counts, score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_key) DO UPDATE SET
			helpful = EXCLUDED.helpful,
			not_helpful = EXCLUDED.not_helpful,
			helpful_with_issues = EXCLUDED.helpful_with_issues,
			total = EXCLUDED.total,
			issue_counts = EXCLUDED.issue_counts,
			score = EXCLUDED.score,
			updated_at = EXCLUDED.updated_at`,
		s.SourceKey, s.Helpful, s.NotHelpful, s.HelpfulWithIssues, s.Total, issuesJSON, s.Score, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert source score: %w", repository.ErrPersistence, err)
	}
	return nil
}
