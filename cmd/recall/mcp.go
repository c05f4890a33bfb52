package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/mcp"
	"github.com/szaher/recall/internal/search"
	"github.com/szaher/recall/internal/secrets"
	"github.com/szaher/recall/internal/session"
	"github.com/szaher/recall/internal/telemetry"
	"github.com/szaher/recall/internal/work"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve memory tools over MCP stdio",
		Long: `Runs a Model Context Protocol server on stdin/stdout. An agent
connecting to it gets memory_store_turn, memory_get_context,
memory_search, and memory_end_session tools backed by the configured
store. All logging goes to stderr; stdout carries the protocol.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runMCP(ctx, cfg)
		},
	}
}

func runMCP(ctx context.Context, cfg *config.Config) error {
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.Log.Level))
	if verbose {
		level.Set(slog.LevelDebug)
	}
	redactor := secrets.NewRedactor()
	logger := telemetry.NewLogger(os.Stderr, level)
	logger = slog.New(redactor.Wrap(logger.Handler()))

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
		work.WithTimeout(cfg.Work.TaskTimeout.Std()))

	pool := session.NewPool(store, embedder, svc, queue, logger,
		session.WithPoolConfig(session.PoolConfig{
			MaxSessions:   cfg.Pool.MaxSessions,
			TTL:           cfg.Pool.TTL.Std(),
			SweepInterval: cfg.Pool.SweepInterval.Std(),
		}),
		session.WithSessionConfig(session.Config{
			Memory:        memoryConfig(cfg),
			MinConfidence: cfg.Insights.MinConfidence,
		}))

	searcher := search.New(store, embedder, cfg.Search.TopK, cfg.Search.SimilarityThreshold, logger)
	srv := mcp.NewServer(pool, searcher, version, logger)

	err = srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if derr := pool.Shutdown(shutdownCtx); derr != nil {
		logger.Warn("pool drain incomplete", "error", derr)
	}
	queue.Close()
	return err
}
