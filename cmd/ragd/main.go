package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knoguchi/ragcache/internal/cache"
	"github.com/knoguchi/ragcache/internal/classifier"
	"github.com/knoguchi/ragcache/internal/config"
	"github.com/knoguchi/ragcache/internal/embedder"
	"github.com/knoguchi/ragcache/internal/feedback"
	"github.com/knoguchi/ragcache/internal/llm"
	"github.com/knoguchi/ragcache/internal/metrics"
	"github.com/knoguchi/ragcache/internal/repository"
	"github.com/knoguchi/ragcache/internal/repository/postgres"
	"github.com/knoguchi/ragcache/internal/reranker"
	"github.com/knoguchi/ragcache/internal/retriever"
	"github.com/knoguchi/ragcache/internal/server"
	"github.com/knoguchi/ragcache/internal/service"
	"github.com/knoguchi/ragcache/internal/sparse"
	"github.com/knoguchi/ragcache/internal/vectorstore"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.Default()

	intents, err := cfg.Intents()
	if err != nil {
		return err
	}

	slog.Info("starting ragcache service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"llm_provider", cfg.LLMProvider,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics()
	if err := m.Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// PostgreSQL: persistent cache tier and feedback state
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	if cfg.DatabaseMigrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	cacheRepo := postgres.NewCacheRepo(db)
	feedbackRepo := postgres.NewFeedbackRepo(db)

	// Redis: fast cache tier. While it is unreachable the cache serves from
	// PostgreSQL only.
	fast, err := cache.OpenRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	defer fast.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	if err := fast.Ping(pingCtx); err != nil {
		slog.Warn("Redis unreachable, continuing without fast tier", "error", err)
	} else {
		slog.Info("connected to Redis")
	}
	pingCancel()

	embed, model, err := newProviders(cfg)
	if err != nil {
		return err
	}

	index, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
		URL:        cfg.QdrantGRPCURL,
		APIKey:     cfg.QdrantAPIKey,
		UseTLS:     cfg.QdrantUseTLS,
		Collection: cfg.QdrantCollection,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer index.Close()
	if err := index.EnsureHybridCollection(ctx, embed.Dimension()); err != nil {
		return fmt.Errorf("failed to prepare Qdrant collection: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection, "dimension", embed.Dimension())

	adjuster := feedback.NewAdjuster(feedbackRepo, feedback.Config{
		AdjustmentFactor:  cfg.Feedback.AdjustmentFactor,
		PenaltyMultiplier: cfg.Feedback.PenaltyMultiplier,
		PatternBoost:      cfg.Feedback.PatternBoost,
		PatternMinWeight:  cfg.Feedback.PatternMinWeight,
		Logger:            logger,
		Metrics:           m,
	})

	cl, err := classifier.New(model, classifier.Config{
		MemoSize:        cfg.Classifier.MemoSize,
		FallbackEnabled: cfg.Classifier.FallbackEnabled,
		Timeout:         cfg.Classifier.Timeout,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		return err
	}

	var rr reranker.Reranker
	if cfg.Retrieval.RerankEnabled {
		rr = reranker.NewLLMReranker(model, reranker.WithPreviewChars(cfg.Retrieval.RerankPreviewChars))
	}

	ret := retriever.New(embed, sparse.NewVectorizer(cfg.Retrieval.SparseVocabularySize), index, adjuster, rr, retriever.Config{
		TopK:                 cfg.Retrieval.TopK,
		BlendWeight:          cfg.Retrieval.BlendWeight,
		ConfidenceThreshold:  cfg.Retrieval.ConfidenceThreshold,
		Intents:              intents,
		UncertaintyThreshold: cfg.Retrieval.UncertaintyThreshold,
		RerankTimeout:        cfg.Retrieval.RerankTimeout,
		Logger:               logger,
		Metrics:              m,
	})

	tiered := cache.New(cacheRepo, fast, cache.Config{
		FastTTL:       cfg.Cache.FastTTL,
		PersistentTTL: cfg.Cache.PersistentTTL,
		MinConfidence: cfg.Cache.MinConfidence,
		FastTimeout:   cfg.Cache.FastTimeout,
		Logger:        logger,
		Metrics:       m,
	})

	job := feedback.NewAnalysisJob(feedback.AnalysisJobConfig{
		Interval: cfg.Feedback.AnalysisInterval,
		Timeout:  cfg.Feedback.AnalysisTimeout,
		Limit:    cfg.Feedback.AnalysisLimit,
		Logger:   logger,
	}, adjuster, feedbackRepo)
	if err := job.Start(ctx); err != nil {
		return fmt.Errorf("failed to start feedback analysis job: %w", err)
	}
	defer job.Stop()

	answers := service.NewAnswerService(tiered, ret, model, service.AnswerConfig{Logger: logger})
	feedbackSvc := service.NewFeedbackService(cl, tiered, adjuster, feedbackRepo, job, logger)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		AdminAPIKey:    cfg.AdminAPIKey,
		Answers:        answers,
		Feedback:       feedbackSvc,
		Cache:          tiered,
		Checks: []server.ReadinessCheck{
			{Name: "postgres", Check: db.Ping},
			{Name: "qdrant", Check: index.HealthCheck},
			{Name: "redis", Check: tiered.PingFast, Optional: true},
		},
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// newProviders builds the embedder and completion client for the configured
// provider.
func newProviders(cfg *config.Config) (embedder.Embedder, llm.LLM, error) {
	switch cfg.LLMProvider {
	case "openai":
		embed := embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIEmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
		})
		model := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		})
		slog.Info("initialized OpenAI providers", "model", cfg.OpenAIModel, "embedding_model", cfg.OpenAIEmbeddingModel)
		return embed, model, nil
	case "ollama":
		embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.OllamaEmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
			KeepAlive: cfg.OllamaKeepAlive,
		})
		model := llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
			llm.WithKeepAlive(cfg.OllamaKeepAlive),
		)
		slog.Info("initialized Ollama providers", "model", cfg.OllamaLLMModel, "embedding_model", cfg.OllamaEmbeddingModel)
		return embed, model, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown LLM_PROVIDER %q", config.ErrConfiguration, cfg.LLMProvider)
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.CacheRepository    = (*postgres.CacheRepo)(nil)
	_ repository.FeedbackRepository = (*postgres.FeedbackRepo)(nil)
	_ vectorstore.Index             = (*vectorstore.QdrantStore)(nil)
	_ cache.FastTier                = (*cache.RedisTier)(nil)
	_ embedder.Embedder             = (*embedder.OllamaEmbedder)(nil)
	_ embedder.Embedder             = (*embedder.OpenAIEmbedder)(nil)
	_ llm.LLM                       = (*llm.OllamaClient)(nil)
	_ llm.LLM                       = (*llm.OpenAIClient)(nil)
	_ reranker.Reranker             = (*reranker.LLMReranker)(nil)
	_ retriever.ScoreAdjuster       = (*feedback.Adjuster)(nil)
	_ service.Retriever             = (*retriever.Retriever)(nil)
	_ server.CacheAPI               = (*cache.TieredCache)(nil)
	_ server.AnswerAPI              = (*service.AnswerService)(nil)
	_ server.FeedbackAPI            = (*service.FeedbackService)(nil)
	_ service.Analyzer              = (*feedback.AnalysisJob)(nil)
)
