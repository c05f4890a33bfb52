// Package config loads, validates, and watches the backend configuration.
// Values come from defaults, then an optional YAML file, then RECALL_*
// environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete backend configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Memory    MemoryConfig    `yaml:"memory"`
	Pool      PoolConfig      `yaml:"pool"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Insights  InsightsConfig  `yaml:"insights"`
	Work      WorkConfig      `yaml:"work"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr          string   `yaml:"addr"`
	APIKey        string   `yaml:"api_key"`
	ReadTimeout   Duration `yaml:"read_timeout"`
	WriteTimeout  Duration `yaml:"write_timeout"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// MemoryConfig holds the tiered-memory parameters.
type MemoryConfig struct {
	// BufferSize is the compaction threshold K: turns held before the
	// buffer is folded into the cumulative summary.
	BufferSize int `yaml:"buffer_size"`
	// ActiveTurns is the context window N: recent turns included in
	// assembled context. Must not exceed BufferSize.
	ActiveTurns int `yaml:"active_turns"`
	// RecentSessions is how many completed session summaries load at start.
	RecentSessions int `yaml:"recent_sessions"`
	// InsightLimit is how many recent insights form the long-term block.
	InsightLimit int `yaml:"insight_limit"`
}

// PoolConfig holds session-pool limits.
type PoolConfig struct {
	MaxSessions   int      `yaml:"max_sessions"`
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Driver   string         `yaml:"driver"` // "sqlite", "postgres", or "memory"
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds the embedded store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds the Postgres store settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// LLMConfig holds the summarization/insight model settings.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "anthropic" or "static"
	// Model handles session analysis and profile synthesis.
	Model string `yaml:"model"`
	// MiniModel handles summary merges and chunk metadata.
	MiniModel string   `yaml:"mini_model"`
	APIKey    string   `yaml:"api_key"`
	MaxTokens int      `yaml:"max_tokens"`
	Timeout   Duration `yaml:"timeout"`
}

// EmbeddingConfig holds the embedding service settings.
type EmbeddingConfig struct {
	Provider   string   `yaml:"provider"` // "openai" or "noop"
	BaseURL    string   `yaml:"base_url"`
	Model      string   `yaml:"model"`
	Dimensions int      `yaml:"dimensions"`
	APIKey     string   `yaml:"api_key"`
	Timeout    Duration `yaml:"timeout"`
}

// SearchConfig holds memory-search defaults.
type SearchConfig struct {
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// InsightsConfig holds reflection and synthesis settings.
type InsightsConfig struct {
	MinConfidence           float64 `yaml:"min_confidence"`
	MinSessionsForSynthesis int     `yaml:"min_sessions_for_synthesis"`
	// SynthesisSchedule is a cron spec ("@every 6h"); empty disables the job.
	SynthesisSchedule string `yaml:"synthesis_schedule"`
}

// WorkConfig holds background work-queue settings.
type WorkConfig struct {
	Workers     int      `yaml:"workers"`
	QueueDepth  int      `yaml:"queue_depth"`
	TaskTimeout Duration `yaml:"task_timeout"`
}

// ArchiveConfig holds the optional S3 session archiver settings.
type ArchiveConfig struct {
	Enabled bool     `yaml:"enabled"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds S3 bucket settings for the archiver.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   Duration(30 * time.Second),
			WriteTimeout:  Duration(60 * time.Second),
			ShutdownGrace: Duration(15 * time.Second),
		},
		Log: LogConfig{Level: "info"},
		Memory: MemoryConfig{
			BufferSize:     10,
			ActiveTurns:    5,
			RecentSessions: 2,
			InsightLimit:   3,
		},
		Pool: PoolConfig{
			MaxSessions:   1000,
			TTL:           Duration(30 * time.Minute),
			SweepInterval: Duration(60 * time.Second),
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "recall.db"},
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			MiniModel: "claude-haiku-4-5",
			MaxTokens: 1024,
			Timeout:   Duration(30 * time.Second),
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			BaseURL:    "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    Duration(15 * time.Second),
		},
		Search: SearchConfig{
			TopK:                5,
			SimilarityThreshold: 0.75,
		},
		Insights: InsightsConfig{
			MinConfidence:           0.7,
			MinSessionsForSynthesis: 3,
		},
		Work: WorkConfig{
			Workers:     4,
			QueueDepth:  256,
			TaskTimeout: Duration(30 * time.Second),
		},
	}
}

// Load reads the config file at path (if path is non-empty), overlays it on
// the defaults, applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setIfPresent := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setIfPresent(&c.Server.Addr, "RECALL_ADDR")
	setIfPresent(&c.Server.APIKey, "RECALL_API_KEY")
	setIfPresent(&c.Log.Level, "RECALL_LOG_LEVEL")
	setIfPresent(&c.Storage.Driver, "RECALL_STORAGE_DRIVER")
	setIfPresent(&c.Storage.SQLite.Path, "RECALL_SQLITE_PATH")
	setIfPresent(&c.Storage.Postgres.DSN, "RECALL_POSTGRES_DSN")
	setIfPresent(&c.LLM.APIKey, "ANTHROPIC_API_KEY")
	setIfPresent(&c.Embedding.APIKey, "RECALL_EMBED_API_KEY")
	setIfPresent(&c.Embedding.BaseURL, "RECALL_EMBED_BASE_URL")
}

// Validate checks cross-field constraints and returns the first violation.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Memory.BufferSize < 1 {
		return fmt.Errorf("memory.buffer_size must be at least 1, got %d", c.Memory.BufferSize)
	}
	if c.Memory.ActiveTurns < 1 {
		return fmt.Errorf("memory.active_turns must be at least 1, got %d", c.Memory.ActiveTurns)
	}
	if c.Memory.ActiveTurns > c.Memory.BufferSize {
		return fmt.Errorf("memory.active_turns (%d) must not exceed memory.buffer_size (%d)",
			c.Memory.ActiveTurns, c.Memory.BufferSize)
	}
	if c.Memory.RecentSessions < 0 {
		return fmt.Errorf("memory.recent_sessions must not be negative")
	}
	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions must be at least 1, got %d", c.Pool.MaxSessions)
	}
	if c.Pool.TTL.Std() <= 0 {
		return fmt.Errorf("pool.ttl must be positive")
	}
	if c.Pool.SweepInterval.Std() <= 0 {
		return fmt.Errorf("pool.sweep_interval must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path must be set for the sqlite driver")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be sqlite, postgres, or memory, got %q", c.Storage.Driver)
	}
	switch c.LLM.Provider {
	case "anthropic", "static":
	default:
		return fmt.Errorf("llm.provider must be anthropic or static, got %q", c.LLM.Provider)
	}
	switch c.Embedding.Provider {
	case "openai", "noop":
	default:
		return fmt.Errorf("embedding.provider must be openai or noop, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("embedding.dimensions must be at least 1, got %d", c.Embedding.Dimensions)
	}
	if c.Search.TopK < 1 {
		return fmt.Errorf("search.top_k must be at least 1, got %d", c.Search.TopK)
	}
	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		return fmt.Errorf("search.similarity_threshold must be in [0,1], got %g", c.Search.SimilarityThreshold)
	}
	if c.Insights.MinConfidence < 0 || c.Insights.MinConfidence > 1 {
		return fmt.Errorf("insights.min_confidence must be in [0,1], got %g", c.Insights.MinConfidence)
	}
	if c.Work.Workers < 1 {
		return fmt.Errorf("work.workers must be at least 1, got %d", c.Work.Workers)
	}
	if c.Work.QueueDepth < 1 {
		return fmt.Errorf("work.queue_depth must be at least 1, got %d", c.Work.QueueDepth)
	}
	if c.Archive.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket must be set when the archiver is enabled")
	}
	return nil
}
