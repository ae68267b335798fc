// Package feedback turns classified user feedback into per-source reliability
// scores and query patterns, and applies them to retrieval scores.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/knoguchi/ragcache/internal/metrics"
	"github.com/knoguchi/ragcache/internal/repository"
	"github.com/knoguchi/ragcache/internal/textnorm"
)

// Defaults for Config.
const (
	DefaultAdjustmentFactor  = 0.2
	DefaultPenaltyMultiplier = 2.0
	DefaultPatternBoost      = 0.15
	DefaultPatternMinWeight  = 0.5
)

// Config tunes the adjuster.
type Config struct {
	// AdjustmentFactor scales a source score into a retrieval multiplier.
	AdjustmentFactor float64
	// PenaltyMultiplier weighs not-helpful votes against helpful ones.
	PenaltyMultiplier float64
	// PatternBoost is the extra multiplicative boost for pattern sources.
	PatternBoost float64
	// PatternMinWeight is the weight an event must exceed to feed patterns.
	PatternMinWeight float64
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Scored is one retrieval candidate to adjust.
type Scored struct {
	SourceKey     string
	RawScore      float64
	AdjustedScore float64
	SourceScore   float64
	PatternMatch  bool
}

// Adjuster applies and maintains feedback-derived source scores.
type Adjuster struct {
	cfg   Config
	store repository.FeedbackRepository
	now   func() time.Time
}

// NewAdjuster creates an adjuster backed by store.
func NewAdjuster(store repository.FeedbackRepository, cfg Config) *Adjuster {
	if cfg.AdjustmentFactor == 0 {
		cfg.AdjustmentFactor = DefaultAdjustmentFactor
	}
	if cfg.PenaltyMultiplier == 0 {
		cfg.PenaltyMultiplier = DefaultPenaltyMultiplier
	}
	if cfg.PatternBoost == 0 {
		cfg.PatternBoost = DefaultPatternBoost
	}
	if cfg.PatternMinWeight == 0 {
		cfg.PatternMinWeight = DefaultPatternMinWeight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adjuster{cfg: cfg, store: store, now: time.Now}
}

// ComputeScore is (helpful - notHelpful*penalty) / max(total, 1).
func ComputeScore(s *repository.SourceScore, penalty float64) float64 {
	total := s.Total
	if total < 1 {
		total = 1
	}
	return (float64(s.Helpful) - float64(s.NotHelpful)*penalty) / float64(total)
}

// Tally counts one event into s. Negative weight counts as not helpful,
// full weight as helpful, partial positive weight as helpful with issues;
// everything else only contributes to the total.
func Tally(s *repository.SourceScore, rating repository.Rating, weight float64, issues []string) {
	s.Total++
	switch {
	case weight < 0:
		s.NotHelpful++
	case rating == repository.RatingNeutral:
	case weight >= 1:
		s.Helpful++
	case weight > 0:
		s.HelpfulWithIssues++
	}
	if len(issues) > 0 && s.IssueCounts == nil {
		s.IssueCounts = make(map[string]int, len(issues))
	}
	for _, issue := range issues {
		s.IssueCounts[issue]++
	}
}

// AdjustScores sets AdjustedScore on every item. Store failures leave the
// raw scores in place.
func (a *Adjuster) AdjustScores(ctx context.Context, query string, items []*Scored) {
	for _, it := range items {
		it.AdjustedScore = it.RawScore
		it.SourceScore = 0
		it.PatternMatch = false
	}
	if len(items) == 0 {
		return
	}

	keys := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.SourceKey != "" && !seen[it.SourceKey] {
			seen[it.SourceKey] = true
			keys = append(keys, it.SourceKey)
		}
	}

	scores, err := a.store.GetSourceScores(ctx, keys)
	if err != nil {
		a.cfg.Logger.Warn("source scores unavailable, using raw scores", "error", err)
		a.cfg.Metrics.Degraded(metrics.ComponentAdjuster)
		return
	}

	var pattern *repository.QueryPattern
	if sig := textnorm.Signature(query); sig != "" {
		pattern, err = a.store.GetQueryPattern(ctx, sig)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				a.cfg.Logger.Warn("query pattern lookup failed", "error", err)
			}
			pattern = nil
		}
	}

	for _, it := range items {
		if s, ok := scores[it.SourceKey]; ok {
			it.SourceScore = s.Score
		}
		multiplier := math.Max(0, 1+it.SourceScore*a.cfg.AdjustmentFactor)
		it.AdjustedScore = it.RawScore * multiplier
		if pattern != nil && pattern.HasSource(it.SourceKey) {
			it.AdjustedScore *= 1 + a.cfg.PatternBoost
			it.PatternMatch = true
		}
	}
}

// RecordFeedback incrementally folds one event into the score of sourceKey.
func (a *Adjuster) RecordFeedback(ctx context.Context, sourceKey string, rating repository.Rating, weight float64, issues []string) (*repository.SourceScore, error) {
	if sourceKey == "" {
		return nil, fmt.Errorf("source key is required")
	}
	penalty := a.cfg.PenaltyMultiplier
	return a.store.UpdateSourceScore(ctx, sourceKey, func(s *repository.SourceScore) {
		Tally(s, rating, weight, issues)
		s.Score = ComputeScore(s, penalty)
	})
}

// Analyze rebuilds all source scores and query patterns from events and
// replaces the stored state atomically.
func (a *Adjuster) Analyze(ctx context.Context, events []*repository.FeedbackEvent) (*repository.AnalysisRun, error) {
	start := a.now()
	scores, patterns := a.build(events, start.UTC())

	run := repository.AnalysisRun{
		RanAt:           start.UTC(),
		EventsProcessed: len(events),
		SourcesScored:   len(scores),
		PatternsBuilt:   len(patterns),
	}
	if err := a.store.ReplaceAnalysis(ctx, scores, patterns, run); err != nil {
		return nil, fmt.Errorf("failed to store feedback analysis: %w", err)
	}

	finished := a.now()
	a.cfg.Metrics.ObserveAnalysis(finished.Sub(start).Seconds(), float64(finished.Unix()))
	a.cfg.Logger.Info("feedback analysis completed",
		"events", run.EventsProcessed,
		"sources", run.SourcesScored,
		"patterns", run.PatternsBuilt,
		"duration", finished.Sub(start))
	return &run, nil
}

func (a *Adjuster) build(events []*repository.FeedbackEvent, at time.Time) ([]*repository.SourceScore, []*repository.QueryPattern) {
	byKey := make(map[string]*repository.SourceScore)
	bySig := make(map[string]*repository.QueryPattern)

	for _, ev := range events {
		for _, key := range ev.Sources {
			if key == "" {
				continue
			}
			s, ok := byKey[key]
			if !ok {
				s = &repository.SourceScore{SourceKey: key, IssueCounts: map[string]int{}}
				byKey[key] = s
			}
			Tally(s, ev.Rating, ev.Weight, ev.Issues)
		}

		if ev.Weight <= a.cfg.PatternMinWeight {
			continue
		}
		sig := textnorm.Signature(ev.Query)
		if sig == "" {
			continue
		}
		p, ok := bySig[sig]
		if !ok {
			p = &repository.QueryPattern{Signature: sig}
			bySig[sig] = p
		}
		p.SuccessCount++
		for _, key := range ev.Sources {
			if key != "" && !p.HasSource(key) {
				p.Sources = append(p.Sources, key)
			}
		}
	}

	scores := make([]*repository.SourceScore, 0, len(byKey))
	for _, s := range byKey {
		s.Score = ComputeScore(s, a.cfg.PenaltyMultiplier)
		s.UpdatedAt = at
		scores = append(scores, s)
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].SourceKey < scores[j].SourceKey })

	patterns := make([]*repository.QueryPattern, 0, len(bySig))
	for _, p := range bySig {
		sort.Strings(p.Sources)
		p.UpdatedAt = at
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Signature < patterns[j].Signature })

	return scores, patterns
}
