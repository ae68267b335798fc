// Package retriever implements hybrid dense+sparse retrieval with
// feedback-adjusted scoring and conditional LLM re-ranking.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/knoguchi/ragcache/internal/config"
	"github.com/knoguchi/ragcache/internal/embedder"
	"github.com/knoguchi/ragcache/internal/feedback"
	"github.com/knoguchi/ragcache/internal/metrics"
	"github.com/knoguchi/ragcache/internal/reranker"
	"github.com/knoguchi/ragcache/internal/sparse"
	"github.com/knoguchi/ragcache/internal/textnorm"
	"github.com/knoguchi/ragcache/internal/vectorstore"
)

// ErrRetrievalUnavailable is returned when the embedder or the vector index
// fails. It is not retried here.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

const (
	DefaultTopK                 = 5
	DefaultBlendWeight          = 0.7
	DefaultConfidenceThreshold  = 0.7
	DefaultUncertaintyThreshold = 0.05
	DefaultRerankTimeout        = 3 * time.Second

	// Scores closer than this are ordered by date, newest first.
	tieEpsilon = 0.02
)

// Re-rank reasons.
const (
	ReasonUncertain  = "uncertain"
	ReasonTemporal   = "temporal"
	ReasonComparison = "comparison"
)

var (
	temporalKeywords   = []string{"latest", "most recent", "current", "newest", "recent", "up to date"}
	comparisonKeywords = []string{"compare", "versus", "vs", "difference between", "differ"}
)

// ScoreAdjuster rescales raw scores with learned source quality.
type ScoreAdjuster interface {
	AdjustScores(ctx context.Context, query string, items []*feedback.Scored)
}

// Config tunes retrieval.
type Config struct {
	TopK                int
	BlendWeight         float32
	ConfidenceThreshold float64
	Intents             []config.IntentFilter
	// UncertaintyThreshold is the top-three score spread below which
	// re-ranking is requested.
	UncertaintyThreshold float64
	RerankTimeout        time.Duration
	Logger               *slog.Logger
	Metrics              *metrics.Metrics
}

// Match is one ranked passage.
type Match struct {
	ID            string            `json:"id"`
	Source        string            `json:"source"`
	Content       string            `json:"content"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RawScore      float64           `json:"raw_score"`
	AdjustedScore float64           `json:"adjusted_score"`
	SourceScore   float64           `json:"source_score"`
	Date          time.Time         `json:"date,omitzero"`
	PatternMatch  bool              `json:"pattern_match"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Matches       []*Match            `json:"matches"`
	Confident     bool                `json:"confident"`
	Reranked      bool                `json:"reranked"`
	RerankReasons []string            `json:"rerank_reasons,omitempty"`
	Filter        *vectorstore.Filter `json:"filter,omitempty"`
}

// Top returns the best match, or nil.
func (r *Result) Top() *Match {
	if len(r.Matches) == 0 {
		return nil
	}
	return r.Matches[0]
}

// Retriever runs the retrieval pipeline.
type Retriever struct {
	cfg      Config
	embedder embedder.Embedder
	sparse   *sparse.Vectorizer
	index    vectorstore.Index
	adjuster ScoreAdjuster
	reranker reranker.Reranker
}

// New creates a retriever. adjuster and rr may be nil to disable score
// adjustment and re-ranking.
func New(emb embedder.Embedder, vec *sparse.Vectorizer, index vectorstore.Index, adjuster ScoreAdjuster, rr reranker.Reranker, cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.BlendWeight == 0 {
		cfg.BlendWeight = DefaultBlendWeight
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.UncertaintyThreshold == 0 {
		cfg.UncertaintyThreshold = DefaultUncertaintyThreshold
	}
	if cfg.RerankTimeout <= 0 {
		cfg.RerankTimeout = DefaultRerankTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if vec == nil {
		vec = sparse.NewVectorizer(0)
	}
	return &Retriever{
		cfg:      cfg,
		embedder: emb,
		sparse:   vec,
		index:    index,
		adjuster: adjuster,
		reranker: rr,
	}
}

// Retrieve returns up to topK matches for question, best first. A
// non-positive topK uses the configured default.
func (r *Retriever) Retrieve(ctx context.Context, question string, topK int) (*Result, error) {
	start := time.Now()
	defer func() { r.cfg.Metrics.ObserveRetrieval(time.Since(start).Seconds()) }()

	if topK <= 0 {
		topK = r.cfg.TopK
	}
	normalized := textnorm.Normalize(question)

	dense, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed question: %w", ErrRetrievalUnavailable, err)
	}

	filter := r.intentFilter(normalized)
	raw, err := r.index.HybridQuery(ctx, vectorstore.Query{
		Dense:       dense,
		Sparse:      r.sparse.Vectorize(question),
		TopK:        topK,
		Filter:      filter,
		BlendWeight: r.cfg.BlendWeight,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: vector query failed: %w", ErrRetrievalUnavailable, err)
	}

	matches := make([]*Match, len(raw))
	scored := make([]*feedback.Scored, len(raw))
	for i, m := range raw {
		matches[i] = &Match{
			ID:       m.ID,
			Source:   m.Source,
			Content:  m.Content,
			Metadata: m.Metadata,
			RawScore: float64(m.Score),
			Date:     ExtractDate(m.Source),
		}
		scored[i] = &feedback.Scored{SourceKey: m.Source, RawScore: float64(m.Score)}
	}

	if r.adjuster != nil {
		r.adjuster.AdjustScores(ctx, question, scored)
	}
	for i, s := range scored {
		matches[i].AdjustedScore = s.RawScore
		if r.adjuster != nil {
			matches[i].AdjustedScore = s.AdjustedScore
			matches[i].SourceScore = s.SourceScore
			matches[i].PatternMatch = s.PatternMatch
		}
	}
	SortMatches(matches)

	result := &Result{Matches: matches, Filter: filter}
	if reasons := r.rerankReasons(normalized, matches); len(reasons) > 0 && len(matches) > 2 && r.reranker != nil {
		result.RerankReasons = reasons
		result.Matches, result.Reranked = r.rerank(ctx, question, matches)
	}
	if top := result.Top(); top != nil {
		result.Confident = top.AdjustedScore >= r.cfg.ConfidenceThreshold
	}
	return result, nil
}

// intentFilter returns the filter of the first intent whose keyword appears
// in the question.
func (r *Retriever) intentFilter(normalized string) *vectorstore.Filter {
	for _, intent := range r.cfg.Intents {
		if _, ok := textnorm.ContainsAny(normalized, intent.Keywords); ok {
			return &vectorstore.Filter{Category: intent.Category, MinPriority: intent.MinPriority}
		}
	}
	return nil
}

// SortMatches orders matches by adjusted score, newest first among near ties.
// A run of near ties is measured from its highest score, so the order does
// not depend on the input order.
func SortMatches(matches []*Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].AdjustedScore > matches[j].AdjustedScore
	})
	for start := 0; start < len(matches); {
		end := start + 1
		for end < len(matches) && matches[start].AdjustedScore-matches[end].AdjustedScore < tieEpsilon {
			end++
		}
		run := matches[start:end]
		sort.SliceStable(run, func(i, j int) bool {
			return run[i].Date.After(run[j].Date)
		})
		start = end
	}
}

func (r *Retriever) rerankReasons(normalized string, matches []*Match) []string {
	var reasons []string
	if len(matches) >= 3 {
		top := matches[:3]
		hi, lo := top[0].AdjustedScore, top[0].AdjustedScore
		for _, m := range top[1:] {
			hi = max(hi, m.AdjustedScore)
			lo = min(lo, m.AdjustedScore)
		}
		if hi-lo < r.cfg.UncertaintyThreshold {
			reasons = append(reasons, ReasonUncertain)
		}
	}
	if _, ok := textnorm.ContainsAny(normalized, temporalKeywords); ok {
		reasons = append(reasons, ReasonTemporal)
	}
	if _, ok := textnorm.ContainsAny(normalized, comparisonKeywords); ok {
		reasons = append(reasons, ReasonComparison)
	}
	return reasons
}

// rerank reorders matches, returning the input order on any failure.
func (r *Retriever) rerank(ctx context.Context, question string, matches []*Match) ([]*Match, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RerankTimeout)
	defer cancel()

	passages := make([]string, len(matches))
	for i, m := range matches {
		passages[i] = m.Content
	}

	order, err := r.reranker.Rank(ctx, question, passages)
	if err == nil && !isPermutation(order, len(matches)) {
		err = fmt.Errorf("ranking is not a permutation of %d passages", len(matches))
	}
	if err != nil {
		r.cfg.Logger.Warn("re-ranking failed, keeping score order", "error", err)
		r.cfg.Metrics.Degraded(metrics.ComponentRanking)
		r.cfg.Metrics.Rerank("fallback")
		return matches, false
	}
	r.cfg.Metrics.Rerank("applied")
	return reranker.Apply(matches, order), true
}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}
