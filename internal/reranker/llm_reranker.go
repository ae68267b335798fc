package reranker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/knoguchi/ragcache/internal/llm"
)

// DefaultPreviewChars is the passage preview length sent to the model.
const DefaultPreviewChars = 300

// ErrMalformedRanking is returned when the model output has no usable ranking.
var ErrMalformedRanking = errors.New("malformed ranking")

// LLMReranker asks a completion model to order passages by relevance.
type LLMReranker struct {
	llmClient    llm.LLM
	model        string
	previewChars int
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithPreviewChars sets the passage preview length in runes.
func WithPreviewChars(n int) LLMRerankerOption {
	return func(r *LLMReranker) {
		if n > 0 {
			r.previewChars = n
		}
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient:    llmClient,
		previewChars: DefaultPreviewChars,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type rankingResponse struct {
	Ranking []int `json:"ranking"`
}

// Rank asks the model for an index ranking. Indices the model omits are
// appended in their original order.
func (r *LLMReranker) Rank(ctx context.Context, query string, passages []string) ([]int, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	response, err := r.llmClient.Generate(ctx, r.buildPrompt(query, passages), llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0,
		MaxTokens:   256,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM reranking failed: %w", err)
	}

	ranking, err := parseRanking(response)
	if err != nil {
		return nil, err
	}
	return completeRanking(ranking, len(passages))
}

func (r *LLMReranker) buildPrompt(query string, passages []string) string {
	var sb strings.Builder

	sb.WriteString("Rank the passages by how well they answer the question.\n\n")
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\nPassages:\n")
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n", i, preview(p, r.previewChars))
	}
	sb.WriteString(`
Prefer passages that are more recent when the question asks for the latest information.
Output ONLY valid JSON in this exact format, most relevant first:
{"ranking": [2, 0, 1]}`)

	return sb.String()
}

func preview(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

// parseRanking accepts {"ranking": [...]} or a bare JSON array.
func parseRanking(response string) ([]int, error) {
	raw := llm.ExtractJSON(response)

	var parsed rankingResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil && len(parsed.Ranking) > 0 {
		return parsed.Ranking, nil
	}

	var bare []int
	if err := json.Unmarshal([]byte(raw), &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrMalformedRanking, truncate(response, 120))
}

// completeRanking drops out-of-range and duplicate indices and appends the
// missing ones in original order.
func completeRanking(ranking []int, n int) ([]int, error) {
	seen := make([]bool, n)
	out := make([]int, 0, n)
	for _, idx := range ranking {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no valid indices", ErrMalformedRanking)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			out = append(out, i)
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
