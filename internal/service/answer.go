package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/ragcache/internal/cache"
	"github.com/knoguchi/ragcache/internal/llm"
	"github.com/knoguchi/ragcache/internal/repository"
	"github.com/knoguchi/ragcache/internal/retriever"
)

// ErrInvalidRequest is returned for malformed requests.
var ErrInvalidRequest = errors.New("invalid request")

// ErrGenerationFailed is returned when the completion call fails.
var ErrGenerationFailed = errors.New("answer generation failed")

const defaultSystemPrompt = `You are a helpful assistant that answers questions using only the provided context documents.
If the context does not contain the answer, say that you don't know. Cite documents as [Doc N].`

const noContextAnswer = "I couldn't find any documents that answer this question."

// Retriever returns ranked passages for a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int) (*retriever.Result, error)
}

// AnswerConfig tunes generation.
type AnswerConfig struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	// DedupThreshold is the Jaccard word overlap above which a lower-ranked
	// passage is dropped from the prompt.
	DedupThreshold float64
	Logger         *slog.Logger
}

// AnswerService answers questions from the cache or by retrieval and
// generation, writing fresh answers back to the cache.
type AnswerService struct {
	cfg       AnswerConfig
	cache     *cache.TieredCache
	retriever Retriever
	llm       llm.LLM
}

// NewAnswerService creates an AnswerService.
func NewAnswerService(c *cache.TieredCache, r Retriever, l llm.LLM, cfg AnswerConfig) *AnswerService {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.7
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AnswerService{cfg: cfg, cache: c, retriever: r, llm: l}
}

// AskRequest is a question to answer.
type AskRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	TopK      int    `json:"top_k,omitempty"`
	// SkipCache forces retrieval and generation.
	SkipCache bool `json:"skip_cache,omitempty"`
}

// AskMetadata carries timings.
type AskMetadata struct {
	RetrievalMs  int64  `json:"retrieval_ms"`
	GenerationMs int64  `json:"generation_ms"`
	TotalMs      int64  `json:"total_ms"`
	Model        string `json:"model,omitempty"`
}

// AskResponse is the answer to an AskRequest.
type AskResponse struct {
	Answer     string                    `json:"answer"`
	Sources    []repository.SourceRecord `json:"sources"`
	Confidence float64                   `json:"confidence"`
	Cached     bool                      `json:"cached"`
	ServedFrom string                    `json:"served_from,omitempty"`
	CacheID    *uuid.UUID                `json:"cache_id,omitempty"`
	CacheWrite *cache.SetResult          `json:"cache_write,omitempty"`
	Reranked   bool                      `json:"reranked"`
	Metadata   AskMetadata               `json:"metadata"`
}

// Ask answers req.Question.
func (s *AnswerService) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	startTime := time.Now()

	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}

	if !req.SkipCache {
		entry, err := s.cache.Get(ctx, req.Question, req.SessionID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			id := entry.ID
			return &AskResponse{
				Answer:     entry.Answer,
				Sources:    entry.Sources,
				Confidence: entry.Confidence,
				Cached:     true,
				ServedFrom: entry.ServedFrom,
				CacheID:    &id,
				Metadata:   AskMetadata{TotalMs: time.Since(startTime).Milliseconds()},
			}, nil
		}
	}

	retrievalStart := time.Now()
	result, err := s.retriever.Retrieve(ctx, req.Question, req.TopK)
	if err != nil {
		return nil, err
	}
	retrievalTime := time.Since(retrievalStart)

	if len(result.Matches) == 0 {
		return &AskResponse{
			Answer:   noContextAnswer,
			Sources:  []repository.SourceRecord{},
			Metadata: AskMetadata{RetrievalMs: retrievalTime.Milliseconds(), TotalMs: time.Since(startTime).Milliseconds()},
		}, nil
	}

	matches := deduplicateMatches(result.Matches, s.cfg.DedupThreshold)
	sources := toSourceRecords(matches)

	generationStart := time.Now()
	answer, err := s.llm.Generate(ctx, buildPrompt(s.cfg.SystemPrompt, matches, req.Question), llm.GenerateOptions{
		Model:        s.cfg.Model,
		SystemPrompt: s.cfg.SystemPrompt,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	answer = strings.TrimSpace(answer)
	generationTime := time.Since(generationStart)

	confidence := min(max(result.Top().AdjustedScore, 0), 1)
	resp := &AskResponse{
		Answer:     answer,
		Sources:    sources,
		Confidence: confidence,
		Reranked:   result.Reranked,
	}

	write, err := s.cache.Set(ctx, req.Question, answer, sources, cache.SetOptions{
		Confidence: confidence,
		CreatedBy:  repository.CreatedByAuto,
		SessionID:  req.SessionID,
	})
	if err != nil {
		return nil, err
	}
	resp.CacheWrite = write
	if write.Success {
		id := write.ID
		resp.CacheID = &id
	} else {
		s.cfg.Logger.Info("generated answer not cached", "reason", write.Reason, "cache_id", write.ID)
	}

	resp.Metadata = AskMetadata{
		RetrievalMs:  retrievalTime.Milliseconds(),
		GenerationMs: generationTime.Milliseconds(),
		TotalMs:      time.Since(startTime).Milliseconds(),
		Model:        s.cfg.Model,
	}
	return resp, nil
}

// Retrieve runs retrieval only.
func (s *AnswerService) Retrieve(ctx context.Context, question string, topK int) (*retriever.Result, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	return s.retriever.Retrieve(ctx, question, topK)
}

// toSourceRecords keys each record by the match source so feedback on the
// cached answer reaches the same source scores retrieval reads.
func toSourceRecords(matches []*retriever.Match) []repository.SourceRecord {
	out := make([]repository.SourceRecord, len(matches))
	for i, m := range matches {
		title := m.Metadata["title"]
		if title == "" {
			title = m.Source
		}
		out[i] = repository.SourceRecord{
			Text:  m.Content,
			Title: title,
			URL:   m.Source,
			Score: m.AdjustedScore,
		}
	}
	return out
}

// buildPrompt lists the context documents, then the question. Scores are
// left out so they do not bias the model.
func buildPrompt(systemPrompt string, matches []*retriever.Match, question string) string {
	var sb strings.Builder

	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n")

	sb.WriteString("## Context Documents\n\n")
	for i, m := range matches {
		sb.WriteString(fmt.Sprintf("[Doc %d]", i+1))
		if title := m.Metadata["title"]; title != "" {
			sb.WriteString(fmt.Sprintf(" (Title: %s)", title))
		}
		if m.Source != "" {
			sb.WriteString(fmt.Sprintf(" (Source: %s)", m.Source))
		}
		sb.WriteString("\n")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(question)
	sb.WriteString("\n\n")
	sb.WriteString("## Answer (be brief and direct)\n")

	return sb.String()
}

// deduplicateMatches drops passages whose word overlap with a higher-ranked
// passage reaches threshold.
func deduplicateMatches(matches []*retriever.Match, threshold float64) []*retriever.Match {
	if len(matches) <= 1 {
		return matches
	}

	wordSets := make([]map[string]struct{}, len(matches))
	for i, m := range matches {
		wordSets[i] = tokenize(m.Content)
	}

	keep := make([]bool, len(matches))
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i < len(matches); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(matches); j++ {
			if keep[j] && jaccardSimilarity(wordSets[i], wordSets[j]) >= threshold {
				keep[j] = false
			}
		}
	}

	out := make([]*retriever.Match, 0, len(matches))
	for i, m := range matches {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

func tokenize(content string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(content))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()[]{}=<>")
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}

// jaccardSimilarity returns |a∩b| / |a∪b|; two empty sets are identical.
func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	return float64(intersection) / float64(len(a)+len(b)-intersection)
}
