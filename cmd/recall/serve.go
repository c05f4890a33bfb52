package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/archive"
	"github.com/szaher/recall/internal/auth"
	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/insight"
	"github.com/szaher/recall/internal/llm"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/runtime"
	"github.com/szaher/recall/internal/secrets"
	"github.com/szaher/recall/internal/session"
	"github.com/szaher/recall/internal/storage"
	"github.com/szaher/recall/internal/telemetry"
	"github.com/szaher/recall/internal/work"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP memory backend",
		Long:  "Starts the memory API server with the session pool, background queue, and scheduled sweeps.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.Log.Level))
	if verbose {
		level.Set(slog.LevelDebug)
	}
	redactor := secrets.NewRedactor()
	logger := telemetry.NewLogger(os.Stderr, level)
	logger = slog.New(redactor.Wrap(logger.Handler()))
	metrics := telemetry.NewMetrics()

	if err := resolveSecrets(ctx, cfg, redactor); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	embedder := buildEmbedder(cfg)
	svc := buildInsightService(cfg, logger)

	queue := work.NewQueue(cfg.Work.Workers, cfg.Work.QueueDepth, logger,
		work.WithTimeout(cfg.Work.TaskTimeout.Std()),
		work.WithMetrics(metrics))

	pool := session.NewPool(store, embedder, svc, queue, logger,
		session.WithPoolConfig(session.PoolConfig{
			MaxSessions:   cfg.Pool.MaxSessions,
			TTL:           cfg.Pool.TTL.Std(),
			SweepInterval: cfg.Pool.SweepInterval.Std(),
		}),
		session.WithSessionConfig(session.Config{
			Memory:        memoryConfig(cfg),
			MinConfidence: cfg.Insights.MinConfidence,
		}),
		session.WithMetrics(metrics))

	synth := insight.NewSynthesizer(store, svc, embedder, cfg.Insights.MinSessionsForSynthesis, logger)

	opts := []runtime.Option{
		runtime.WithLogger(logger),
		runtime.WithMetrics(metrics),
		runtime.WithSynthesizer(synth),
		runtime.WithRateLimiter(auth.NewRateLimiter(auth.RateLimitConfigFromEnv())),
	}
	if cfg.Archive.Enabled {
		client, err := archive.NewClient(ctx, cfg.Archive.S3.Region)
		if err != nil {
			return fmt.Errorf("init s3 archiver: %w", err)
		}
		archiver := archive.New(client, store, cfg.Archive.S3.Bucket, cfg.Archive.S3.Prefix, logger)
		opts = append(opts, runtime.WithArchiver(archiver, queue))
	}

	server := runtime.NewServer(runtime.Config{
		Addr:                cfg.Server.Addr,
		APIKey:              cfg.Server.APIKey,
		ReadTimeout:         cfg.Server.ReadTimeout.Std(),
		WriteTimeout:        cfg.Server.WriteTimeout.Std(),
		TopK:                cfg.Search.TopK,
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		Version:             version,
	}, store, pool, embedder, opts...)

	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", cfg.Pool.SweepInterval.Std()), func() {
		if n := pool.EvictStale(context.Background()); n > 0 {
			logger.Info("pool sweep evicted sessions", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule pool sweep: %w", err)
	}
	if spec := cfg.Insights.SynthesisSchedule; spec != "" {
		if _, err := sched.AddFunc(spec, func() {
			if err := synth.RunAll(context.Background()); err != nil {
				logger.Warn("scheduled synthesis failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule synthesis: %w", err)
		}
	}
	sched.Start()

	if cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, logger, func(next *config.Config) {
				level.Set(telemetry.ParseLevel(next.Log.Level))
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	grace := cfg.Server.ShutdownGrace.Std()
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	<-sched.Stop().Done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pool drain incomplete", "error", err)
	}
	queue.Close()
	logger.Info("shutdown complete")
	return nil
}

// resolveSecrets expands env()/vault() references in the credential fields
// and registers the resolved values for log redaction.
func resolveSecrets(ctx context.Context, cfg *config.Config, redactor *secrets.Redactor) error {
	resolver := secrets.FromEnv()
	fields := []struct {
		name  string
		value *string
	}{
		{"server.api_key", &cfg.Server.APIKey},
		{"llm.api_key", &cfg.LLM.APIKey},
		{"embedding.api_key", &cfg.Embedding.APIKey},
		{"storage.postgres.dsn", &cfg.Storage.Postgres.DSN},
	}
	for _, f := range fields {
		resolved, err := resolver.Resolve(ctx, *f.value)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.name, err)
		}
		*f.value = resolved
		redactor.Add(resolved)
	}
	return nil
}

func memoryConfig(cfg *config.Config) memory.Config {
	return memory.Config{
		BufferSize:     cfg.Memory.BufferSize,
		ActiveTurns:    cfg.Memory.ActiveTurns,
		RecentSessions: cfg.Memory.RecentSessions,
		InsightLimit:   cfg.Memory.InsightLimit,
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.SQLite.Path, logger)
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.Storage.Postgres.DSN, cfg.Embedding.Dimensions, logger)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func buildEmbedder(cfg *config.Config) embed.Embedder {
	if cfg.Embedding.Provider == "noop" {
		return embed.Noop{}
	}
	return embed.NewOpenAIClient(cfg.Embedding.APIKey,
		embed.WithBaseURL(cfg.Embedding.BaseURL),
		embed.WithModel(cfg.Embedding.Model),
		embed.WithDimensions(cfg.Embedding.Dimensions),
		embed.WithHTTPClient(&http.Client{Timeout: cfg.Embedding.Timeout.Std()}))
}

func buildInsightService(cfg *config.Config, logger *slog.Logger) insight.Service {
	if cfg.LLM.Provider == "static" {
		return insight.Static{}
	}
	var client llm.Client
	if cfg.LLM.APIKey != "" {
		client = llm.NewAnthropicClientWithKey(cfg.LLM.APIKey)
	} else {
		client = llm.NewAnthropicClient()
	}
	return insight.NewLLMService(client, cfg.LLM.Model, cfg.LLM.MiniModel, logger)
}
