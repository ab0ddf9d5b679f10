// Package config loads service configuration with multi-source priority.
//
// Sources (highest to lowest):
//  1. Environment variables (AUTORAG_* bindings)
//  2. Config file (~/.autorag/config.yaml or ./config.yaml)
//  3. Defaults
//
// Validation is fail-fast: Load returns an error before any component is
// constructed, so a bad value is a startup failure, never a per-turn one.
// Sentinel errors support errors.Is checks; wrap with fmt.Errorf("%w: ...").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidChunking indicates chunk size/overlap values that cannot
	// produce a valid chunking (size <= 0, negative overlap, overlap >= size).
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidMetric indicates an unknown similarity metric name.
	ErrInvalidMetric = errors.New("invalid similarity metric")

	// ErrInvalidTopK indicates a non-positive retrieval depth.
	ErrInvalidTopK = errors.New("invalid top_k")

	// ErrInvalidBudget indicates a non-positive context token budget.
	ErrInvalidBudget = errors.New("invalid context token budget")

	// ErrMissingCorpusPath indicates no corpus file was configured.
	ErrMissingCorpusPath = errors.New("missing corpus path")

	// ErrMissingModel indicates an empty embedding or generation model name.
	ErrMissingModel = errors.New("missing model name")

	// ErrInvalidTimeout indicates a non-positive backend timeout.
	ErrInvalidTimeout = errors.New("invalid backend timeout")

	// ErrInvalidHistoryWindow indicates a negative recent-history window.
	ErrInvalidHistoryWindow = errors.New("invalid history window")
)

// Similarity metric names accepted in Config.Metric.
const (
	MetricCosine = "cosine"
	MetricDot    = "dot"
)

// Config stores the full service configuration.
type Config struct {
	// Corpus and chunking
	CorpusPath   string `mapstructure:"corpus_path"`
	ChunkSize    int    `mapstructure:"chunk_size"`    // max chunk length in runes
	ChunkOverlap int    `mapstructure:"chunk_overlap"` // carried-over runes between chunks

	// Index and retrieval
	Metric             string `mapstructure:"metric"`
	TopK               int    `mapstructure:"top_k"`
	EmbeddingDimension int    `mapstructure:"embedding_dimension"` // 0 = adopt from first build

	// Model backends
	EmbeddingModel  string `mapstructure:"embedding_model"`
	GenerationModel string `mapstructure:"generation_model"`
	OllamaHost      string `mapstructure:"ollama_host"`

	// Shared stores
	RedisURL string `mapstructure:"redis_url"`

	// Per-turn resource bounds
	BackendTimeoutSeconds int     `mapstructure:"backend_timeout_seconds"`
	MaxRetries            int     `mapstructure:"max_retries"`
	ContextTokenBudget    int     `mapstructure:"context_token_budget"`
	HistoryWindow         int     `mapstructure:"history_window"`
	RateLimitPerSecond    float64 `mapstructure:"rate_limit_per_second"` // 0 = unlimited

	// Authorization policy
	DenyNotice   string   `mapstructure:"deny_notice"` // empty = silent drop
	DefaultUsers []string `mapstructure:"default_users"`

	// HTTP surface
	ListenAddr string `mapstructure:"listen_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load reads configuration from defaults, config file and environment.
func Load() (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err == nil {
		v.AddConfigPath(filepath.Join(home, ".autorag"))
	}
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("AUTORAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults + env carry the service.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("corpus_path", "messages.txt")
	v.SetDefault("chunk_size", 500)
	v.SetDefault("chunk_overlap", 50)

	v.SetDefault("metric", MetricCosine)
	v.SetDefault("top_k", 5)
	v.SetDefault("embedding_dimension", 0)

	v.SetDefault("embedding_model", "bge-m3")
	v.SetDefault("generation_model", "qwen3:4b")
	v.SetDefault("ollama_host", "http://localhost:11434")

	v.SetDefault("redis_url", "redis://localhost:6379")

	v.SetDefault("backend_timeout_seconds", 120)
	v.SetDefault("max_retries", 3)
	v.SetDefault("context_token_budget", 2048)
	v.SetDefault("history_window", 6)
	v.SetDefault("rate_limit_per_second", 0.0)

	v.SetDefault("deny_notice", "Permission denied.")
	v.SetDefault("default_users", []string{})

	v.SetDefault("listen_addr", ":8000")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Validate checks all values. Any failure here is a configuration error and
// aborts startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CorpusPath) == "" {
		return ErrMissingCorpusPath
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size %d must be positive", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d must be in [0, chunk_size)", ErrInvalidChunking, c.ChunkOverlap)
	}
	if c.Metric != MetricCosine && c.Metric != MetricDot {
		return fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidMetric, c.Metric, MetricCosine, MetricDot)
	}
	if c.TopK < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidTopK, c.TopK)
	}
	if strings.TrimSpace(c.EmbeddingModel) == "" {
		return fmt.Errorf("%w: embedding_model", ErrMissingModel)
	}
	if strings.TrimSpace(c.GenerationModel) == "" {
		return fmt.Errorf("%w: generation_model", ErrMissingModel)
	}
	if c.BackendTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: %ds", ErrInvalidTimeout, c.BackendTimeoutSeconds)
	}
	if c.ContextTokenBudget <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBudget, c.ContextTokenBudget)
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidHistoryWindow, c.HistoryWindow)
	}
	return nil
}

// BackendTimeout returns the per-call backend deadline.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

// String renders the configuration for logging. The Redis URL may embed a
// password, so it is masked.
func (c Config) String() string {
	masked := c
	if i := strings.Index(masked.RedisURL, "@"); i >= 0 {
		masked.RedisURL = "redis://****@" + masked.RedisURL[i+1:]
	}
	return fmt.Sprintf("Config{corpus=%s chunk=%d/%d metric=%s k=%d embed=%s gen=%s ollama=%s redis=%s}",
		masked.CorpusPath, masked.ChunkSize, masked.ChunkOverlap, masked.Metric, masked.TopK,
		masked.EmbeddingModel, masked.GenerationModel, masked.OllamaHost, masked.RedisURL)
}
