package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/knoguchi/ragcache/internal/cache"
	"github.com/knoguchi/ragcache/internal/classifier"
	"github.com/knoguchi/ragcache/internal/repository"
)

// Classifier turns a rating and comment into a weighted verdict.
type Classifier interface {
	Classify(ctx context.Context, fb classifier.Feedback) classifier.Result
}

// SourceScorer applies one feedback event to a source score.
type SourceScorer interface {
	RecordFeedback(ctx context.Context, sourceKey string, rating repository.Rating, weight float64, issues []string) (*repository.SourceScore, error)
}

// Analyzer rebuilds all source scores from the feedback log.
type Analyzer interface {
	RunNow(ctx context.Context) (*repository.AnalysisRun, error)
}

// FeedbackRequest is one user verdict on an answer.
type FeedbackRequest struct {
	CacheID   *uuid.UUID        `json:"cache_id,omitempty"`
	SourceKey string            `json:"source_key,omitempty"`
	Sources   []string          `json:"sources,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Query     string            `json:"query,omitempty"`
	Rating    repository.Rating `json:"rating"`
	Comment   string            `json:"comment,omitempty"`
}

// FeedbackResponse reports how feedback was applied.
type FeedbackResponse struct {
	EventID        uuid.UUID                  `json:"event_id"`
	Classification classifier.Result          `json:"classification"`
	Counter        repository.FeedbackCounter `json:"counter"`
	SourcesUpdated []string                   `json:"sources_updated"`
}

// FeedbackService records feedback into cache counters, source scores and
// the feedback log.
type FeedbackService struct {
	classifier Classifier
	cache      *cache.TieredCache
	scorer     SourceScorer
	events     repository.FeedbackRepository
	analyzer   Analyzer
	logger     *slog.Logger
}

// NewFeedbackService creates a FeedbackService.
func NewFeedbackService(cl Classifier, c *cache.TieredCache, scorer SourceScorer, events repository.FeedbackRepository, analyzer Analyzer, logger *slog.Logger) *FeedbackService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedbackService{
		classifier: cl,
		cache:      c,
		scorer:     scorer,
		events:     events,
		analyzer:   analyzer,
		logger:     logger,
	}
}

// CounterFor maps a feedback weight to the cache counter it bumps.
func CounterFor(weight float64) repository.FeedbackCounter {
	switch {
	case weight >= 0.5:
		return repository.CounterPositive
	case weight < 0:
		return repository.CounterNegative
	default:
		return repository.CounterNeutral
	}
}

// Record classifies and applies one feedback event.
func (s *FeedbackService) Record(ctx context.Context, req FeedbackRequest) (*FeedbackResponse, error) {
	if !req.Rating.Valid() {
		return nil, fmt.Errorf("%w: unknown rating %q", ErrInvalidRequest, req.Rating)
	}
	if req.CacheID == nil && req.SourceKey == "" && len(req.Sources) == 0 {
		return nil, fmt.Errorf("%w: cache_id, source_key or sources is required", ErrInvalidRequest)
	}

	sources := append([]string{}, req.Sources...)
	if req.CacheID != nil {
		entry, err := s.cache.Lookup(ctx, *req.CacheID)
		if err != nil {
			return nil, fmt.Errorf("failed to load cache entry %s: %w", req.CacheID, err)
		}
		if req.Query == "" {
			req.Query = entry.Question
		}
		for _, src := range entry.Sources {
			sources = append(sources, src.Key())
		}
	}
	if req.SourceKey != "" {
		sources = append(sources, req.SourceKey)
	}
	sources = uniqueNonEmpty(sources)

	messageID := req.MessageID
	if messageID == "" && req.CacheID != nil {
		messageID = req.CacheID.String()
	}
	result := s.classifier.Classify(ctx, classifier.Feedback{
		MessageID: messageID,
		Rating:    req.Rating,
		Comment:   req.Comment,
	})
	counter := CounterFor(result.Weight)

	// The event log is the record of truth and is written first. Counters and
	// source scores are derived from it; the analysis rebuild recomputes the
	// scores, so a failed derived update is logged rather than returned.
	event := &repository.FeedbackEvent{
		MessageID: messageID,
		CacheID:   req.CacheID,
		Query:     req.Query,
		Rating:    result.AdjustedRating,
		Comment:   req.Comment,
		Weight:    result.Weight,
		Issues:    result.Issues,
		Sources:   sources,
	}
	if err := s.events.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to store feedback event: %w", err)
	}

	if req.CacheID != nil {
		if err := s.cache.UpdateFeedback(ctx, *req.CacheID, counter); err != nil {
			s.logger.Warn("failed to update cache feedback counter",
				"event_id", event.ID, "cache_id", req.CacheID, "error", err)
		}
	}
	updated := make([]string, 0, len(sources))
	for _, key := range sources {
		if _, err := s.scorer.RecordFeedback(ctx, key, result.AdjustedRating, result.Weight, result.Issues); err != nil {
			s.logger.Warn("failed to update source score",
				"event_id", event.ID, "source", key, "error", err)
			continue
		}
		updated = append(updated, key)
	}

	s.logger.Info("feedback recorded",
		"event_id", event.ID,
		"rating", req.Rating,
		"weight", result.Weight,
		"fallback", result.UsedFallback,
		"sources", len(sources))

	return &FeedbackResponse{
		EventID:        event.ID,
		Classification: result,
		Counter:        counter,
		SourcesUpdated: updated,
	}, nil
}

// Analyze rebuilds source scores and query patterns from the feedback log.
func (s *FeedbackService) Analyze(ctx context.Context) (*repository.AnalysisRun, error) {
	return s.analyzer.RunNow(ctx)
}

// LastAnalysis returns the most recent analysis run, or nil if none ran.
func (s *FeedbackService) LastAnalysis(ctx context.Context) (*repository.AnalysisRun, error) {
	run, err := s.events.LastAnalysis(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return run, err
}

func uniqueNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
