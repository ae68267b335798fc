// Package memory provides in-process implementations of the repository
// contracts, for tests and local runs without PostgreSQL.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/ragcache/internal/repository"
)

// Store implements repository.CacheRepository and
// repository.FeedbackRepository over maps guarded by one RWMutex.
// Values are copied in and out so callers never share state with the store.
type Store struct {
	mu sync.RWMutex

	entries      map[uuid.UUID]*repository.CacheEntry
	byNormalized map[string]uuid.UUID

	scores   map[string]*repository.SourceScore
	patterns map[string]*repository.QueryPattern
	events   []*repository.FeedbackEvent
	lastRun  *repository.AnalysisRun

	now func() time.Time
}

var (
	_ repository.CacheRepository    = (*Store)(nil)
	_ repository.FeedbackRepository = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries:      make(map[uuid.UUID]*repository.CacheEntry),
		byNormalized: make(map[string]uuid.UUID),
		scores:       make(map[string]*repository.SourceScore),
		patterns:     make(map[string]*repository.QueryPattern),
		now:          time.Now,
	}
}

func cloneEntry(e *repository.CacheEntry) *repository.CacheEntry {
	c := *e
	c.Variations = slices.Clone(e.Variations)
	c.Sources = slices.Clone(e.Sources)
	if e.LastServedAt != nil {
		t := *e.LastServedAt
		c.LastServedAt = &t
	}
	return &c
}

func cloneScore(s *repository.SourceScore) *repository.SourceScore {
	c := *s
	c.IssueCounts = make(map[string]int, len(s.IssueCounts))
	for k, v := range s.IssueCounts {
		c.IssueCounts[k] = v
	}
	return &c
}

func clonePattern(p *repository.QueryPattern) *repository.QueryPattern {
	c := *p
	c.Sources = slices.Clone(p.Sources)
	return &c
}

// GetByID implements repository.CacheRepository.
func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*repository.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEntry(e), nil
}

// GetByNormalized implements repository.CacheRepository.
func (s *Store) GetByNormalized(_ context.Context, normalized string) (*repository.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNormalized[normalized]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEntry(s.entries[id]), nil
}

func servable(e *repository.CacheEntry, minConfidence float64, now time.Time) bool {
	return e.Active && !e.Expired(now) && e.Confidence >= minConfidence
}

// FindActive implements repository.CacheRepository.
func (s *Store) FindActive(_ context.Context, normalized string, minConfidence float64, now time.Time) (*repository.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNormalized[normalized]
	if !ok || !servable(s.entries[id], minConfidence, now) {
		return nil, repository.ErrNotFound
	}
	return cloneEntry(s.entries[id]), nil
}

// FindActiveByVariation implements repository.CacheRepository. The most
// recently updated match wins.
func (s *Store) FindActiveByVariation(_ context.Context, normalized string, minConfidence float64, now time.Time) (*repository.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *repository.CacheEntry
	for _, e := range s.entries {
		if !servable(e, minConfidence, now) || !slices.Contains(e.Variations, normalized) {
			continue
		}
		if best == nil || e.UpdatedAt.After(best.UpdatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return cloneEntry(best), nil
}

// Upsert implements repository.CacheRepository.
func (s *Store) Upsert(_ context.Context, entry *repository.CacheEntry) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	stored := cloneEntry(entry)
	stored.Active = true
	stored.PositiveFeedback, stored.NegativeFeedback, stored.NeutralFeedback = 0, 0, 0
	stored.UpdatedAt = now
	stored.ServedFrom = ""
	stored.MatchedVariation = false

	if id, ok := s.byNormalized[entry.NormalizedQuestion]; ok {
		prev := s.entries[id]
		stored.ID = id
		stored.CreatedAt = prev.CreatedAt
		stored.ServeCount = prev.ServeCount
		stored.LastServedAt = prev.LastServedAt
	} else {
		if stored.ID == uuid.Nil {
			stored.ID = uuid.New()
		}
		stored.CreatedAt = now
	}

	s.entries[stored.ID] = stored
	s.byNormalized[stored.NormalizedQuestion] = stored.ID
	return stored.ID, nil
}

// RecordServe implements repository.CacheRepository.
func (s *Store) RecordServe(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.ServeCount++
	t := at
	e.LastServedAt = &t
	return nil
}

// IncrementFeedback implements repository.CacheRepository.
func (s *Store) IncrementFeedback(_ context.Context, id uuid.UUID, counter repository.FeedbackCounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	switch counter {
	case repository.CounterPositive:
		e.PositiveFeedback++
	case repository.CounterNegative:
		e.NegativeFeedback++
	default:
		e.NeutralFeedback++
	}
	e.UpdatedAt = s.now().UTC()
	return nil
}

// Deactivate implements repository.CacheRepository.
func (s *Store) Deactivate(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !e.Active {
		return false, nil
	}
	e.Active = false
	e.UpdatedAt = s.now().UTC()
	return true, nil
}

// GetSourceScores implements repository.FeedbackRepository.
func (s *Store) GetSourceScores(_ context.Context, keys []string) (map[string]*repository.SourceScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*repository.SourceScore, len(keys))
	for _, k := range keys {
		if sc, ok := s.scores[k]; ok {
			out[k] = cloneScore(sc)
		}
	}
	return out, nil
}

// GetQueryPattern implements repository.FeedbackRepository.
func (s *Store) GetQueryPattern(_ context.Context, signature string) (*repository.QueryPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[signature]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clonePattern(p), nil
}

// UpdateSourceScore implements repository.FeedbackRepository.
func (s *Store) UpdateSourceScore(_ context.Context, key string, fn func(*repository.SourceScore)) (*repository.SourceScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scores[key]
	if ok {
		sc = cloneScore(sc)
	} else {
		sc = &repository.SourceScore{SourceKey: key, IssueCounts: map[string]int{}}
	}
	fn(sc)
	sc.UpdatedAt = s.now().UTC()
	s.scores[key] = sc
	return cloneScore(sc), nil
}

// ReplaceAnalysis implements repository.FeedbackRepository.
func (s *Store) ReplaceAnalysis(_ context.Context, scores []*repository.SourceScore, patterns []*repository.QueryPattern, run repository.AnalysisRun) error {
	nextScores := make(map[string]*repository.SourceScore, len(scores))
	for _, sc := range scores {
		nextScores[sc.SourceKey] = cloneScore(sc)
	}
	nextPatterns := make(map[string]*repository.QueryPattern, len(patterns))
	for _, p := range patterns {
		nextPatterns[p.Signature] = clonePattern(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = nextScores
	s.patterns = nextPatterns
	s.lastRun = &run
	return nil
}

// LastAnalysis implements repository.FeedbackRepository.
func (s *Store) LastAnalysis(_ context.Context) (*repository.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastRun == nil {
		return nil, repository.ErrNotFound
	}
	run := *s.lastRun
	return &run, nil
}

// AppendEvent implements repository.FeedbackRepository.
func (s *Store) AppendEvent(_ context.Context, event *repository.FeedbackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := *event
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	ev.Issues = slices.Clone(event.Issues)
	ev.Sources = slices.Clone(event.Sources)
	s.events = append(s.events, &ev)
	event.ID, event.CreatedAt = ev.ID, ev.CreatedAt
	return nil
}

// ListEvents implements repository.FeedbackRepository.
func (s *Store) ListEvents(_ context.Context, limit int) ([]*repository.FeedbackEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*repository.FeedbackEvent, 0, len(s.events))
	for _, ev := range s.events {
		c := *ev
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored cache entries, active or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
