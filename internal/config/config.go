package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the conversation service. Values
// come from defaults, then the optional APP_CONFIG_FILE, then the environment.
type Config struct {
	BindAddr                 string        `yaml:"bind_addr"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`
	AllowAnyOrigin           bool          `yaml:"allow_any_origin"`
	LogLevel                 string        `yaml:"log_level"`
	LogFormat                string        `yaml:"log_format"`
	DefaultUserID            string        `yaml:"default_user_id"`

	DatabaseURL  string        `yaml:"database_url"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	HistoryLimit int           `yaml:"history_limit"`

	MemoryTopK             int           `yaml:"memory_top_k"`
	MemoryMinSimilarity    float64       `yaml:"memory_min_similarity"`
	MemoryRetrievalTimeout time.Duration `yaml:"memory_retrieval_timeout"`
	MemoryIndexPath        string        `yaml:"memory_index_path"`
	MemoryIndexUserTurns   bool          `yaml:"memory_index_user_turns"`
	MemoryRedactPII        bool          `yaml:"memory_redact_pii"`
	MemoryPreviewChars     int           `yaml:"memory_preview_chars"`

	EmbeddingProvider     string `yaml:"embedding_provider"`
	EmbeddingHTTPURL      string `yaml:"embedding_http_url"`
	EmbeddingAPIKey       string `yaml:"-"`
	EmbeddingModel        string `yaml:"embedding_model"`
	MemoryEmbeddingDim    int    `yaml:"memory_embedding_dim"`
	EmbeddingCacheEntries int    `yaml:"embedding_cache_entries"`

	BrainAdapterMode       string        `yaml:"brain_adapter_mode"`
	BrainHTTPURL           string        `yaml:"brain_http_url"`
	BrainHTTPStreamStrict  bool          `yaml:"brain_http_stream_strict"`
	BrainFirstDeltaTimeout time.Duration `yaml:"brain_first_delta_timeout"`
	AnthropicAPIKey        string        `yaml:"-"`
	AnthropicModel         string        `yaml:"anthropic_model"`
	AnthropicMaxTokens     int           `yaml:"anthropic_max_tokens"`

	GenerationTimeout           time.Duration `yaml:"generation_timeout"`
	GenerationNonStreamFallback bool          `yaml:"generation_nonstream_fallback"`
	SystemPreamble              string        `yaml:"system_preamble"`
	DegradedMessage             string        `yaml:"degraded_message"`
}

// DefaultDegradedMessage is streamed in place of a reply when generation fails.
const DefaultDegradedMessage = "I'm having trouble responding right now. Please try again in a moment."

func defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		MetricsNamespace:         "recall",
		LogLevel:                 "info",
		LogFormat:                "json",
		DefaultUserID:            "anonymous",

		StoreTimeout: 5 * time.Second,
		HistoryLimit: 10,

		MemoryTopK:             5,
		MemoryRetrievalTimeout: 2 * time.Second,
		MemoryRedactPII:        true,
		MemoryPreviewChars:     160,

		EmbeddingProvider:     "hash",
		MemoryEmbeddingDim:    384,
		EmbeddingCacheEntries: 4096,

		BrainAdapterMode:       "auto",
		BrainFirstDeltaTimeout: 15 * time.Second,
		AnthropicModel:         "claude-sonnet-4-5",
		AnthropicMaxTokens:     1024,

		GenerationTimeout:           90 * time.Second,
		GenerationNonStreamFallback: true,
		DegradedMessage:             DefaultDegradedMessage,
	}
}

// Load reads the optional YAML file and environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := defaults()

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read APP_CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse APP_CONFIG_FILE: %w", err)
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("APP_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("APP_LOG_FORMAT", cfg.LogFormat))
	cfg.DefaultUserID = envOrDefault("APP_DEFAULT_USER_ID", cfg.DefaultUserID)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.MemoryIndexPath = envOrDefault("MEMORY_INDEX_PATH", cfg.MemoryIndexPath)
	cfg.EmbeddingProvider = strings.ToLower(envOrDefault("EMBEDDING_PROVIDER", cfg.EmbeddingProvider))
	cfg.EmbeddingHTTPURL = envOrDefault("EMBEDDING_HTTP_URL", cfg.EmbeddingHTTPURL)
	cfg.EmbeddingAPIKey = stringsTrimSpace("EMBEDDING_API_KEY")
	cfg.EmbeddingModel = envOrDefault("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.BrainAdapterMode = strings.ToLower(envOrDefault("BRAIN_ADAPTER_MODE", cfg.BrainAdapterMode))
	cfg.BrainHTTPURL = envOrDefault("BRAIN_HTTP_URL", cfg.BrainHTTPURL)
	cfg.AnthropicAPIKey = stringsTrimSpace("ANTHROPIC_API_KEY")
	cfg.AnthropicModel = envOrDefault("ANTHROPIC_MODEL", cfg.AnthropicModel)
	cfg.SystemPreamble = envOrDefault("SYSTEM_PREAMBLE", cfg.SystemPreamble)
	cfg.DegradedMessage = envOrDefault("DEGRADED_MESSAGE", cfg.DegradedMessage)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"STORE_TIMEOUT", &cfg.StoreTimeout},
		{"MEMORY_RETRIEVAL_TIMEOUT", &cfg.MemoryRetrievalTimeout},
		{"GENERATION_TIMEOUT", &cfg.GenerationTimeout},
		{"BRAIN_FIRST_DELTA_TIMEOUT", &cfg.BrainFirstDeltaTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"HISTORY_LIMIT", &cfg.HistoryLimit},
		{"MEMORY_TOP_K", &cfg.MemoryTopK},
		{"MEMORY_PREVIEW_CHARS", &cfg.MemoryPreviewChars},
		{"MEMORY_EMBEDDING_DIM", &cfg.MemoryEmbeddingDim},
		{"EMBEDDING_CACHE_ENTRIES", &cfg.EmbeddingCacheEntries},
		{"ANTHROPIC_MAX_TOKENS", &cfg.AnthropicMaxTokens},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"MEMORY_INDEX_USER_TURNS", &cfg.MemoryIndexUserTurns},
		{"MEMORY_REDACT_PII", &cfg.MemoryRedactPII},
		{"BRAIN_HTTP_STREAM_STRICT", &cfg.BrainHTTPStreamStrict},
		{"GENERATION_NONSTREAM_FALLBACK", &cfg.GenerationNonStreamFallback},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.MemoryMinSimilarity, err = floatFromEnv("MEMORY_MIN_SIMILARITY", cfg.MemoryMinSimilarity)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.SessionInactivityTimeout <= c.GenerationTimeout {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT (%s) must exceed GENERATION_TIMEOUT (%s)",
			c.SessionInactivityTimeout, c.GenerationTimeout)
	}
	if c.BrainFirstDeltaTimeout < 0 {
		return fmt.Errorf("BRAIN_FIRST_DELTA_TIMEOUT must be >= 0")
	}
	for name, d := range map[string]time.Duration{
		"APP_SHUTDOWN_TIMEOUT":     c.ShutdownTimeout,
		"STORE_TIMEOUT":            c.StoreTimeout,
		"MEMORY_RETRIEVAL_TIMEOUT": c.MemoryRetrievalTimeout,
		"GENERATION_TIMEOUT":       c.GenerationTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if c.MemoryTopK <= 0 {
		return fmt.Errorf("MEMORY_TOP_K must be positive")
	}
	if c.MemoryEmbeddingDim <= 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if c.EmbeddingCacheEntries < 0 {
		return fmt.Errorf("EMBEDDING_CACHE_ENTRIES must be >= 0")
	}
	if c.AnthropicMaxTokens <= 0 {
		return fmt.Errorf("ANTHROPIC_MAX_TOKENS must be positive")
	}
	if c.MemoryMinSimilarity < -1 || c.MemoryMinSimilarity > 1 {
		return fmt.Errorf("MEMORY_MIN_SIMILARITY must be within [-1, 1]")
	}
	switch c.EmbeddingProvider {
	case "hash":
	case "http":
		if c.EmbeddingHTTPURL == "" {
			return fmt.Errorf("EMBEDDING_HTTP_URL is required when EMBEDDING_PROVIDER=http")
		}
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be hash or http, got %q", c.EmbeddingProvider)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	if strings.TrimSpace(c.DegradedMessage) == "" {
		return fmt.Errorf("DEGRADED_MESSAGE must not be blank")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
