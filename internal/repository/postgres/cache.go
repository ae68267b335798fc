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

// CacheRepo implements repository.CacheRepository
type CacheRepo struct {
	db *DB
}

// NewCacheRepo creates a new cache repository
func NewCacheRepo(db *DB) *CacheRepo {
	return &CacheRepo{db: db}
}

const cacheColumns = `id, question, normalized_question, variations, answer, sources, confidence, created_by,
	positive_feedback, negative_feedback, neutral_feedback, serve_count, active, expires_at,
	last_served_at, created_at, updated_at`

// GetByID retrieves a cache entry by ID
func (r *CacheRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + ` FROM cached_responses WHERE id = $1`
	return r.scanEntry(ctx, query, id)
}

// GetByNormalized retrieves a cache entry by normalized question in any state
func (r *CacheRepo) GetByNormalized(ctx context.Context, normalized string) (*repository.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + ` FROM cached_responses WHERE normalized_question = $1`
	return r.scanEntry(ctx, query, normalized)
}

// FindActive retrieves a servable entry by exact normalized question
func (r *CacheRepo) FindActive(ctx context.Context, normalized string, minConfidence float64, now time.Time) (*repository.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + `
		FROM cached_responses
		WHERE normalized_question = $1 AND active AND expires_at > $2 AND confidence >= $3`
	return r.scanEntry(ctx, query, normalized, now, minConfidence)
}

// FindActiveByVariation retrieves a servable entry that lists normalized as a variation
func (r *CacheRepo) FindActiveByVariation(ctx context.Context, normalized string, minConfidence float64, now time.Time) (*repository.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + `
		FROM cached_responses
		WHERE $1 = ANY(variations) AND active AND expires_at > $2 AND confidence >= $3
		ORDER BY confidence DESC, updated_at DESC
		LIMIT 1`
	return r.scanEntry(ctx, query, normalized, now, minConfidence)
}

// Upsert inserts the entry or replaces the one with the same normalized
// question. Replacing resets the feedback counters and reactivates the row.
func (r *CacheRepo) Upsert(ctx context.Context, e *repository.CacheEntry) (uuid.UUID, error) {
	sourcesJSON, err := json.Marshal(e.Sources)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal sources: %w", err)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	variations := e.Variations
	if variations == nil {
		variations = []string{}
	}

	query := `
		INSERT INTO cached_responses (id, question, normalized_question, variations, answer, sources,
			confidence, created_by, active, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10, $10)
		ON CONFLICT (normalized_question) DO UPDATE SET
			question = EXCLUDED.question,
			variations = EXCLUDED.variations,
			answer = EXCLUDED.answer,
			sources = EXCLUDED.sources,
			confidence = EXCLUDED.confidence,
			created_by = EXCLUDED.created_by,
			positive_feedback = 0,
			negative_feedback = 0,
			neutral_feedback = 0,
			active = TRUE,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`
	var id uuid.UUID
	err = r.db.Pool.QueryRow(ctx, query,
		e.ID, e.Question, e.NormalizedQuestion, variations, e.Answer, sourcesJSON,
		e.Confidence, string(e.CreatedBy), e.ExpiresAt, e.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: failed to upsert cache entry: %w", repository.ErrPersistence, err)
	}
	return id, nil
}

// RecordServe bumps the serve counter
func (r *CacheRepo) RecordServe(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE cached_responses SET serve_count = serve_count + 1, last_served_at = $2 WHERE id = $1`
	if _, err := r.db.Pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("%w: failed to record serve: %w", repository.ErrPersistence, err)
	}
	return nil
}

// IncrementFeedback bumps one feedback counter. Confidence is not touched.
func (r *CacheRepo) IncrementFeedback(ctx context.Context, id uuid.UUID, counter repository.FeedbackCounter) error {
	var column string
	switch counter {
	case repository.CounterPositive:
		column = "positive_feedback"
	case repository.CounterNegative:
		column = "negative_feedback"
	case repository.CounterNeutral:
		column = "neutral_feedback"
	default:
		return fmt.Errorf("unknown feedback counter %q", counter)
	}

	query := fmt.Sprintf(`UPDATE cached_responses SET %[1]s = %[1]s + 1, updated_at = NOW() WHERE id = $1`, column)
	tag, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%w: failed to increment %s: %w", repository.ErrPersistence, column, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Deactivate marks an entry inactive; rows are never deleted
func (r *CacheRepo) Deactivate(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE cached_responses SET active = FALSE, updated_at = NOW() WHERE id = $1 AND active`, id)
	if err != nil {
		return false, fmt.Errorf("%w: failed to deactivate cache entry: %w", repository.ErrPersistence, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM cached_responses WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: failed to check cache entry: %w", repository.ErrPersistence, err)
	}
	if !exists {
		return false, repository.ErrNotFound
	}
	return false, nil
}

func (r *CacheRepo) scanEntry(ctx context.Context, query string, args ...any) (*repository.CacheEntry, error) {
	var e repository.CacheEntry
	var sourcesJSON []byte
	var createdBy string

	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&e.ID, &e.Question, &e.NormalizedQuestion, &e.Variations, &e.Answer, &sourcesJSON,
		&e.Confidence, &createdBy, &e.PositiveFeedback, &e.NegativeFeedback, &e.NeutralFeedback,
		&e.ServeCount, &e.Active, &e.ExpiresAt, &e.LastServedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get cache entry: %w", repository.ErrPersistence, err)
	}

	e.CreatedBy = repository.CreatedBy(createdBy)
	if len(sourcesJSON) > 0 {
		if err := json.Unmarshal(sourcesJSON, &e.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
		}
	}
	return &e, nil
}
