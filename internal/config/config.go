// Package config loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// ErrConfiguration is returned when a required setting is missing or invalid.
// It is fatal at startup.
var ErrConfiguration = errors.New("configuration error")

// Config holds all configuration for the ragcache service
type Config struct {
	// Server
	HTTPPort       int      `env:"HTTP_PORT" envDefault:"8080"`
	Environment    string   `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	AdminAPIKey    string   `env:"ADMIN_API_KEY"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// PostgreSQL (persistent cache tier, feedback state)
	DatabaseURL     string `env:"DATABASE_URL"`
	DatabaseMigrate bool   `env:"DATABASE_MIGRATE" envDefault:"true"`

	// Redis (fast cache tier)
	RedisURL string `env:"REDIS_URL"`

	// Qdrant
	QdrantGRPCURL    string `env:"QDRANT_GRPC_URL"`
	QdrantAPIKey     string `env:"QDRANT_API_KEY"`
	QdrantUseTLS     bool   `env:"QDRANT_USE_TLS" envDefault:"false"`
	QdrantCollection string `env:"QDRANT_COLLECTION" envDefault:"documents"`

	// Completion and embedding provider: "ollama" or "openai"
	LLMProvider string `env:"LLM_PROVIDER" envDefault:"ollama"`

	// Ollama
	OllamaURL            string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaEmbeddingModel string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"nomic-embed-text"`
	OllamaLLMModel       string `env:"OLLAMA_LLM_MODEL" envDefault:"llama3.2"`
	OllamaKeepAlive      string `env:"OLLAMA_KEEP_ALIVE"`

	// OpenAI-compatible endpoint
	OpenAIAPIKey         string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL        string `env:"OPENAI_BASE_URL"`
	OpenAIModel          string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIEmbeddingModel string `env:"OPENAI_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDimension   int    `env:"EMBEDDING_DIMENSION" envDefault:"0"`

	Retrieval  RetrievalConfig
	Feedback   FeedbackConfig
	Classifier ClassifierConfig
	Cache      CacheConfig
}

// RetrievalConfig tunes the hybrid retriever.
type RetrievalConfig struct {
	TopK                 int           `env:"RETRIEVAL_TOP_K" envDefault:"5"`
	BlendWeight          float32       `env:"RETRIEVAL_BLEND_WEIGHT" envDefault:"0.7"`
	ConfidenceThreshold  float64       `env:"RETRIEVAL_CONFIDENCE_THRESHOLD" envDefault:"0.7"`
	SparseVocabularySize uint32        `env:"SPARSE_VOCABULARY_SIZE" envDefault:"1048576"`
	IntentFilters        string        `env:"INTENT_FILTERS"`
	RerankEnabled        bool          `env:"RERANK_ENABLED" envDefault:"true"`
	UncertaintyThreshold float64       `env:"RERANK_UNCERTAINTY_THRESHOLD" envDefault:"0.05"`
	RerankPreviewChars   int           `env:"RERANK_PREVIEW_CHARS" envDefault:"300"`
	RerankTimeout        time.Duration `env:"RERANK_TIMEOUT" envDefault:"3s"`
}

// FeedbackConfig tunes the score adjuster and the periodic analysis job.
type FeedbackConfig struct {
	AdjustmentFactor  float64       `env:"FEEDBACK_ADJUSTMENT_FACTOR" envDefault:"0.2"`
	PenaltyMultiplier float64       `env:"FEEDBACK_PENALTY_MULTIPLIER" envDefault:"2.0"`
	PatternBoost      float64       `env:"FEEDBACK_PATTERN_BOOST" envDefault:"0.15"`
	PatternMinWeight  float64       `env:"FEEDBACK_PATTERN_MIN_WEIGHT" envDefault:"0.5"`
	AnalysisInterval  time.Duration `env:"FEEDBACK_ANALYSIS_INTERVAL" envDefault:"1h"`
	AnalysisTimeout   time.Duration `env:"FEEDBACK_ANALYSIS_TIMEOUT" envDefault:"2m"`
	AnalysisLimit     int           `env:"FEEDBACK_ANALYSIS_LIMIT" envDefault:"50000"`
}

// ClassifierConfig tunes the feedback comment classifier.
type ClassifierConfig struct {
	MemoSize        int           `env:"CLASSIFIER_MEMO_SIZE" envDefault:"1000"`
	FallbackEnabled bool          `env:"CLASSIFIER_FALLBACK_ENABLED" envDefault:"true"`
	Timeout         time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"5s"`
}

// CacheConfig tunes the two cache tiers.
type CacheConfig struct {
	FastTTL       time.Duration `env:"CACHE_FAST_TTL" envDefault:"1h"`
	PersistentTTL time.Duration `env:"CACHE_PERSISTENT_TTL" envDefault:"720h"`
	MinConfidence float64       `env:"CACHE_MIN_CONFIDENCE" envDefault:"0.6"`
	FastTimeout   time.Duration `env:"CACHE_FAST_TIMEOUT" envDefault:"250ms"`
}

// IntentFilter maps question keywords to a metadata filter.
type IntentFilter struct {
	Keywords    []string
	Category    string
	MinPriority int
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required endpoints and value ranges.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.QdrantGRPCURL == "" {
		missing = append(missing, "QDRANT_GRPC_URL")
	}
	switch c.LLMProvider {
	case "ollama":
		if c.OllamaURL == "" {
			missing = append(missing, "OLLAMA_URL")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("%w: unknown LLM_PROVIDER %q", ErrConfiguration, c.LLMProvider)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}

	if c.Retrieval.BlendWeight < 0 || c.Retrieval.BlendWeight > 1 {
		return fmt.Errorf("%w: RETRIEVAL_BLEND_WEIGHT must be within [0,1]", ErrConfiguration)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("%w: RETRIEVAL_TOP_K must be positive", ErrConfiguration)
	}
	if c.Cache.MinConfidence < 0 || c.Cache.MinConfidence > 1 {
		return fmt.Errorf("%w: CACHE_MIN_CONFIDENCE must be within [0,1]", ErrConfiguration)
	}
	if c.Cache.FastTTL <= 0 || c.Cache.FastTTL >= c.Cache.PersistentTTL {
		return fmt.Errorf("%w: CACHE_FAST_TTL must be positive and shorter than CACHE_PERSISTENT_TTL", ErrConfiguration)
	}
	if c.Classifier.MemoSize <= 0 {
		return fmt.Errorf("%w: CLASSIFIER_MEMO_SIZE must be positive", ErrConfiguration)
	}
	if _, err := c.Intents(); err != nil {
		return err
	}
	return nil
}

// Intents returns the intent filter table. An empty INTENT_FILTERS yields
// DefaultIntentFilters.
func (c *Config) Intents() ([]IntentFilter, error) {
	if strings.TrimSpace(c.Retrieval.IntentFilters) == "" {
		return DefaultIntentFilters(), nil
	}
	return ParseIntentFilters(c.Retrieval.IntentFilters)
}

// DefaultIntentFilters is the built-in keyword table. Order matters: the
// first row whose keyword appears in a question wins.
func DefaultIntentFilters() []IntentFilter {
	return []IntentFilter{
		{Keywords: []string{"pto", "vacation", "time off", "leave"}, Category: "policy", MinPriority: 2},
		{Keywords: []string{"benefit", "benefits", "insurance", "401k"}, Category: "benefits", MinPriority: 1},
		{Keywords: []string{"expense", "reimbursement", "travel"}, Category: "finance", MinPriority: 1},
		{Keywords: []string{"security", "password", "vpn"}, Category: "security", MinPriority: 2},
	}
}

// ParseIntentFilters parses "kw1|kw2=category@minPriority;..." rows.
// The priority suffix is optional.
func ParseIntentFilters(raw string) ([]IntentFilter, error) {
	var filters []IntentFilter
	for _, row := range strings.Split(raw, ";") {
		row = strings.TrimSpace(row)
		if row == "" {
			continue
		}
		keywordsPart, target, ok := strings.Cut(row, "=")
		if !ok {
			return nil, fmt.Errorf("%w: intent filter %q has no '='", ErrConfiguration, row)
		}

		f := IntentFilter{}
		category, priority, hasPriority := strings.Cut(target, "@")
		f.Category = strings.TrimSpace(category)
		if hasPriority {
			p, err := strconv.Atoi(strings.TrimSpace(priority))
			if err != nil {
				return nil, fmt.Errorf("%w: intent filter %q: invalid priority", ErrConfiguration, row)
			}
			f.MinPriority = p
		}
		for _, kw := range strings.Split(keywordsPart, "|") {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				f.Keywords = append(f.Keywords, kw)
			}
		}
		if len(f.Keywords) == 0 || (f.Category == "" && f.MinPriority == 0) {
			return nil, fmt.Errorf("%w: intent filter %q is incomplete", ErrConfiguration, row)
		}
		filters = append(filters, f)
	}
	return filters, nil
}
