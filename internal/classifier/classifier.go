// Package classifier converts free-text feedback comments into a
// severity-weighted rating adjustment.
//
// Cheap lexical rules handle clear comments. Ambiguous ones are sent to an
// LLM with a JSON contract, and any failure there falls back to the lexical
// verdict.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/knoguchi/ragcache/internal/llm"
	"github.com/knoguchi/ragcache/internal/metrics"
	"github.com/knoguchi/ragcache/internal/repository"
	"github.com/knoguchi/ragcache/internal/textnorm"
)

// Issue categories.
const (
	IssueBrokenLink       = "broken_link"
	IssueOutdated         = "outdated"
	IssueFactualError     = "factual_error"
	IssueTechnicalFailure = "technical_failure"
)

// Fixed weights.
const (
	WeightHelpful    = 1.0
	WeightNotHelpful = -2.0
	WeightNeutral    = 0.0
)

// Classification paths reported to metrics.
const (
	PathDeterministic = "deterministic"
	PathLexical       = "lexical"
	PathFallback      = "fallback"
	PathMemo          = "memo"
)

const (
	DefaultMemoSize = 1000
	DefaultTimeout  = 5 * time.Second

	// Comments in this rune range with no lexical signal are ambiguous.
	ambiguousMinRunes = 20
	ambiguousMaxRunes = 400
)

type issueRule struct {
	issue   string
	weight  float64
	phrases []string
}

// Ordered; Issues in a Result follow this order.
var issueRules = []issueRule{
	{IssueBrokenLink, 0.7, []string{
		"broken link", "dead link", "link is broken", "link doesn't work", "link does not work",
		"404", "page not found", "link broken",
	}},
	{IssueOutdated, 0.7, []string{
		"outdated", "out of date", "no longer", "old version", "obsolete", "deprecated",
		"not current", "stale", "last year's",
	}},
	{IssueFactualError, 0.3, []string{
		"wrong", "incorrect", "inaccurate", "not true", "false", "mistake", "error in",
		"factually", "misleading",
	}},
	{IssueTechnicalFailure, 0.3, []string{
		"doesn't work", "does not work", "didn't work", "did not work", "failed", "fails",
		"crash", "crashed", "timed out", "timeout", "not working", "error message",
	}},
}

var positivePhrases = []string{
	"thanks", "thank you", "great", "perfect", "exactly", "excellent", "awesome",
	"very helpful", "super helpful", "really helpful", "spot on", "worked", "works", "love",
}

var hedgePhrases = []string{
	"but", "however", "although", "though", "mostly", "somewhat", "kind of", "sort of",
	"partially", "not sure", "maybe", "i guess", "could be better", "except",
}

// Feedback is the input to Classify.
type Feedback struct {
	MessageID string
	Rating    repository.Rating
	Comment   string
}

// Result is a classified feedback event.
type Result struct {
	AdjustedRating repository.Rating `json:"adjusted_rating"`
	// Weight is in [0,1], or -2 for not helpful.
	Weight       float64  `json:"weight"`
	Issues       []string `json:"issues,omitempty"`
	Severity     string   `json:"severity,omitempty"`
	UsedFallback bool     `json:"used_fallback"`
	Confidence   float64  `json:"confidence"`
}

// Config tunes the classifier.
type Config struct {
	MemoSize        int
	FallbackEnabled bool
	// Timeout bounds one fallback call.
	Timeout time.Duration
	Model   string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Classifier is safe for concurrent use.
type Classifier struct {
	cfg  Config
	llm  llm.LLM
	memo *lru.Cache[string, Result]
}

// New creates a classifier. model may be nil, which disables the fallback.
func New(model llm.LLM, cfg Config) (*Classifier, error) {
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = DefaultMemoSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memo, err := lru.New[string, Result](cfg.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create classification memo: %w", err)
	}
	return &Classifier{cfg: cfg, llm: model, memo: memo}, nil
}

// Classify never fails; fallback errors degrade to the lexical result.
func (c *Classifier) Classify(ctx context.Context, fb Feedback) Result {
	comment := strings.TrimSpace(fb.Comment)
	if comment == "" || fb.Rating != repository.RatingHelpful {
		c.cfg.Metrics.Classification(PathDeterministic)
		return deterministic(fb.Rating)
	}

	key := memoKey(fb.MessageID, comment)
	if r, ok := c.memo.Peek(key); ok {
		c.cfg.Metrics.Classification(PathMemo)
		return r
	}

	result, ambiguous := lexical(comment)
	path := PathLexical
	if ambiguous && c.cfg.FallbackEnabled && c.llm != nil {
		r, err := c.fallback(ctx, comment)
		if err != nil {
			// Not memoized, so the next call retries the fallback.
			c.cfg.Logger.Warn("comment classification fallback failed, using lexical result",
				"message_id", fb.MessageID, "error", err)
			c.cfg.Metrics.Degraded(metrics.ComponentClassifier)
			c.cfg.Metrics.Classification(path)
			return result
		}
		result = r
		path = PathFallback
	}

	c.memo.Add(key, result)
	c.cfg.Metrics.Classification(path)
	return result
}

// MemoLen returns the number of memoized classifications.
func (c *Classifier) MemoLen() int {
	return c.memo.Len()
}

func deterministic(rating repository.Rating) Result {
	switch rating {
	case repository.RatingHelpful:
		return Result{AdjustedRating: rating, Weight: WeightHelpful, Confidence: 1}
	case repository.RatingNotHelpful:
		return Result{AdjustedRating: rating, Weight: WeightNotHelpful, Confidence: 1}
	default:
		return Result{AdjustedRating: rating, Weight: WeightNeutral, Confidence: 1}
	}
}

// lexical classifies a helpful comment and reports whether it is ambiguous
// enough to warrant the fallback.
func lexical(comment string) (Result, bool) {
	normalized := textnorm.Normalize(comment)

	var issues []string
	weight := WeightHelpful
	for _, rule := range issueRules {
		if _, ok := textnorm.ContainsAny(normalized, rule.phrases); ok {
			issues = append(issues, rule.issue)
			weight = min(weight, rule.weight)
		}
	}
	_, hedged := textnorm.ContainsAny(normalized, hedgePhrases)

	if len(issues) > 0 {
		return Result{
			AdjustedRating: repository.RatingPartiallyHelpful,
			Weight:         weight,
			Issues:         issues,
			Severity:       severityFor(weight),
			Confidence:     0.8,
		}, hedged
	}

	_, positive := textnorm.ContainsAny(normalized, positivePhrases)
	if positive && !hedged {
		return Result{AdjustedRating: repository.RatingHelpful, Weight: WeightHelpful, Confidence: 0.9}, false
	}

	n := utf8.RuneCountInString(comment)
	ambiguous := hedged || (!positive && n >= ambiguousMinRunes && n <= ambiguousMaxRunes)
	return Result{AdjustedRating: repository.RatingHelpful, Weight: WeightHelpful, Confidence: 0.5}, ambiguous
}

func severityFor(weight float64) string {
	switch {
	case weight <= 0.3:
		return "high"
	case weight < 1:
		return "medium"
	default:
		return "none"
	}
}

const fallbackPrompt = `A user marked an answer as helpful and left this comment:

"%s"

Decide whether the comment reports a problem with the answer. Known issue types: broken_link, outdated, factual_error, technical_failure.

Respond with JSON only:
{"hasIssues": true|false, "severity": "none"|"low"|"medium"|"high", "issueTypes": ["..."], "adjustedWeight": 0.0-1.0}`

type fallbackResponse struct {
	HasIssues      bool     `json:"hasIssues"`
	Severity       string   `json:"severity"`
	IssueTypes     []string `json:"issueTypes"`
	AdjustedWeight *float64 `json:"adjustedWeight"`
}

func (c *Classifier) fallback(ctx context.Context, comment string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.llm.Generate(ctx, fmt.Sprintf(fallbackPrompt, comment), llm.GenerateOptions{
		Model:       c.cfg.Model,
		Temperature: 0,
		MaxTokens:   200,
		JSON:        true,
	})
	if err != nil {
		return Result{}, err
	}

	var parsed fallbackResponse
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp)), &parsed); err != nil {
		return Result{}, fmt.Errorf("failed to parse classification: %w", err)
	}
	if parsed.AdjustedWeight == nil {
		return Result{}, fmt.Errorf("classification missing adjustedWeight")
	}

	weight := min(max(*parsed.AdjustedWeight, 0), 1)
	result := Result{
		AdjustedRating: repository.RatingHelpful,
		Weight:         weight,
		Severity:       strings.ToLower(strings.TrimSpace(parsed.Severity)),
		UsedFallback:   true,
		Confidence:     0.7,
	}
	if parsed.HasIssues {
		for _, t := range parsed.IssueTypes {
			if t = issueName(t); t != "" {
				result.Issues = append(result.Issues, t)
			}
		}
		if weight < 1 {
			result.AdjustedRating = repository.RatingPartiallyHelpful
		}
	}
	return result, nil
}

func issueName(s string) string {
	return strings.ReplaceAll(textnorm.Normalize(strings.ReplaceAll(s, "_", " ")), " ", "_")
}

func memoKey(messageID, comment string) string {
	sum := sha256.Sum256([]byte(messageID + "\x00" + comment))
	return hex.EncodeToString(sum[:])
}
