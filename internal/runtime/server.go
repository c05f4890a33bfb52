// Package runtime is the HTTP surface of the memory backend: session
// lifecycle, turn ingestion, context assembly, direct memory search, and
// the operational endpoints (health, pool stats, metrics).
package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/szaher/recall/internal/archive"
	"github.com/szaher/recall/internal/auth"
	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/insight"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/search"
	"github.com/szaher/recall/internal/session"
	"github.com/szaher/recall/internal/storage"
	"github.com/szaher/recall/internal/telemetry"
)

// Config holds the server's behavioral knobs.
type Config struct {
	Addr         string
	APIKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TopK is the default search result count when a request omits it.
	TopK int
	// SimilarityThreshold drops vector matches scoring below it.
	SimilarityThreshold float64
	Version             string
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.75
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

// Server is the memory backend HTTP server.
type Server struct {
	cfg      Config
	pool     *session.Pool
	store    storage.Store
	searcher *search.Searcher
	synth    *insight.Synthesizer
	archiver *archive.Archiver
	queue    memory.Enqueuer
	limiter  *auth.RateLimiter
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mux       *http.ServeMux
	server    *http.Server
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics attaches instruments and exposes GET /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSynthesizer enables POST /v1/users/{userID}/synthesis.
func WithSynthesizer(sy *insight.Synthesizer) Option {
	return func(s *Server) { s.synth = sy }
}

// WithArchiver enqueues an archive upload after every ended session.
func WithArchiver(a *archive.Archiver, queue memory.Enqueuer) Option {
	return func(s *Server) { s.archiver, s.queue = a, queue }
}

// WithRateLimiter applies per-IP request limits and failed-auth blocking.
func WithRateLimiter(rl *auth.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// NewServer wires the HTTP surface over the session pool and storage.
func NewServer(cfg Config, store storage.Store, pool *session.Pool, embedder embed.Embedder, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg.withDefaults(),
		store:     store,
		pool:      pool,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	s.searcher = search.New(store, embedder, s.cfg.TopK, s.cfg.SimilarityThreshold, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions/start", s.handleStartSession)
	mux.HandleFunc("POST /v1/sessions/end", s.handleEndSession)
	mux.HandleFunc("POST /v1/memory/turns", s.handleStoreTurn)
	mux.HandleFunc("POST /v1/memory/search", s.handleSearch)
	mux.HandleFunc("GET /v1/users/{userID}/sessions/{sessionID}/context", s.handleGetContext)
	mux.HandleFunc("GET /v1/users/{userID}/insights", s.handleInsights)
	mux.HandleFunc("GET /v1/users/{userID}/summaries", s.handleSummaries)
	mux.HandleFunc("POST /v1/users/{userID}/synthesis", s.handleSynthesize)
	mux.HandleFunc("GET /v1/pool/stats", s.handlePoolStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux = mux
	return s
}

// Handler returns the fully wrapped HTTP handler, for ListenAndServe and
// for httptest.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = auth.Middleware(s.cfg.APIKey, []string{"/healthz", "/metrics"}, s.limiter)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(auth.ClientIP)(h)
	}
	if s.metrics != nil {
		h = s.metricsMiddleware(h)
	}
	h = s.requestLogMiddleware(h)
	h = correlationMiddleware(h)
	return h
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("http server starting", "addr", s.cfg.Addr, "version", s.cfg.Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
