// Package repository defines domain models and data access interfaces for
// cached responses, feedback events and the derived source/pattern scores.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrPersistence wraps any failure of the durable store.
var ErrPersistence = errors.New("persistence error")

// CreatedBy records who authored a cache entry.
type CreatedBy string

const (
	CreatedByAuto   CreatedBy = "auto"
	CreatedByManual CreatedBy = "manual"
)

// Valid reports whether c is a known author kind.
func (c CreatedBy) Valid() bool {
	return c == CreatedByAuto || c == CreatedByManual
}

// Rating is the user's verdict on an answer.
type Rating string

const (
	RatingHelpful          Rating = "helpful"
	RatingPartiallyHelpful Rating = "partially_helpful"
	RatingNotHelpful       Rating = "not_helpful"
	RatingNeutral          Rating = "neutral"
)

// Valid reports whether r is a known rating.
func (r Rating) Valid() bool {
	switch r {
	case RatingHelpful, RatingPartiallyHelpful, RatingNotHelpful, RatingNeutral:
		return true
	}
	return false
}

// FeedbackCounter selects which cache entry counter a feedback event bumps.
type FeedbackCounter string

const (
	CounterPositive FeedbackCounter = "positive"
	CounterNegative FeedbackCounter = "negative"
	CounterNeutral  FeedbackCounter = "neutral"
)

// Where a returned cache entry was served from.
const (
	ServedFromFast       = "fast"
	ServedFromPersistent = "persistent"
)

// SourceRecord is one retrieved passage attached to a cached answer.
type SourceRecord struct {
	Text  string  `json:"text"`
	Title string  `json:"title,omitempty"`
	URL   string  `json:"url,omitempty"`
	Score float64 `json:"score"`
}

// Key identifies the source for feedback scoring.
func (s SourceRecord) Key() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Title
}

// CacheEntry is a cached answer. At most one active entry exists per
// normalized question.
type CacheEntry struct {
	ID                 uuid.UUID      `json:"id"`
	Question           string         `json:"question"`
	NormalizedQuestion string         `json:"normalized_question"`
	Variations         []string       `json:"variations,omitempty"`
	Answer             string         `json:"answer"`
	Sources            []SourceRecord `json:"sources"`
	Confidence         float64        `json:"confidence"`
	CreatedBy          CreatedBy      `json:"created_by"`
	PositiveFeedback   int            `json:"positive_feedback"`
	NegativeFeedback   int            `json:"negative_feedback"`
	NeutralFeedback    int            `json:"neutral_feedback"`
	ServeCount         int64          `json:"serve_count"`
	Active             bool           `json:"active"`
	ExpiresAt          time.Time      `json:"expires_at"`
	LastServedAt       *time.Time     `json:"last_served_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`

	// Set on lookup only.
	ServedFrom       string `json:"source,omitempty"`
	MatchedVariation bool   `json:"matched_variation,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// SourceScore is the aggregated feedback for one source.
type SourceScore struct {
	SourceKey         string         `json:"source_key"`
	Helpful           int            `json:"helpful"`
	NotHelpful        int            `json:"not_helpful"`
	HelpfulWithIssues int            `json:"helpful_with_issues"`
	Total             int            `json:"total"`
	IssueCounts       map[string]int `json:"issue_counts"`
	Score             float64        `json:"score"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// QueryPattern records which sources answered a class of query well.
type QueryPattern struct {
	Signature    string    `json:"signature"`
	SuccessCount int       `json:"success_count"`
	Sources      []string  `json:"sources"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasSource reports whether key is in the pattern's source set.
func (p *QueryPattern) HasSource(key string) bool {
	for _, s := range p.Sources {
		if s == key {
			return true
		}
	}
	return false
}

// FeedbackEvent is one classified feedback submission.
type FeedbackEvent struct {
	ID        uuid.UUID  `json:"id"`
	MessageID string     `json:"message_id"`
	CacheID   *uuid.UUID `json:"cache_id,omitempty"`
	Query     string     `json:"query"`
	Rating    Rating     `json:"rating"`
	Comment   string     `json:"comment,omitempty"`
	Weight    float64    `json:"weight"`
	Issues    []string   `json:"issues,omitempty"`
	Sources   []string   `json:"sources"`
	CreatedAt time.Time  `json:"created_at"`
}

// AnalysisRun summarizes one full feedback analysis.
type AnalysisRun struct {
	RanAt           time.Time `json:"ran_at"`
	EventsProcessed int       `json:"events_processed"`
	SourcesScored   int       `json:"sources_scored"`
	PatternsBuilt   int       `json:"patterns_built"`
}

// CacheRepository persists cache entries (the durable tier).
type CacheRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*CacheEntry, error)
	// GetByNormalized returns the entry for a normalized question regardless
	// of state.
	GetByNormalized(ctx context.Context, normalized string) (*CacheEntry, error)
	// FindActive returns an active, unexpired entry with confidence at or
	// above minConfidence.
	FindActive(ctx context.Context, normalized string, minConfidence float64, now time.Time) (*CacheEntry, error)
	// FindActiveByVariation is FindActive over the recorded variations.
	FindActiveByVariation(ctx context.Context, normalized string, minConfidence float64, now time.Time) (*CacheEntry, error)
	// Upsert inserts or replaces the entry keyed by its normalized question
	// and returns the stored id.
	Upsert(ctx context.Context, entry *CacheEntry) (uuid.UUID, error)
	RecordServe(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementFeedback(ctx context.Context, id uuid.UUID, counter FeedbackCounter) error
	// Deactivate marks the entry inactive. It reports whether the entry was
	// active before the call.
	Deactivate(ctx context.Context, id uuid.UUID) (bool, error)
}

// FeedbackRepository persists feedback events and derived scores.
type FeedbackRepository interface {
	GetSourceScores(ctx context.Context, keys []string) (map[string]*SourceScore, error)
	GetQueryPattern(ctx context.Context, signature string) (*QueryPattern, error)
	// UpdateSourceScore applies fn to the current score for key (or a zero
	// score) under a row lock and stores the result.
	UpdateSourceScore(ctx context.Context, key string, fn func(*SourceScore)) (*SourceScore, error)
	// ReplaceAnalysis atomically replaces all source scores and query
	// patterns. Concurrent calls are serialized.
	ReplaceAnalysis(ctx context.Context, scores []*SourceScore, patterns []*QueryPattern, run AnalysisRun) error
	LastAnalysis(ctx context.Context) (*AnalysisRun, error)
	AppendEvent(ctx context.Context, event *FeedbackEvent) error
	ListEvents(ctx context.Context, limit int) ([]*FeedbackEvent, error)
}
