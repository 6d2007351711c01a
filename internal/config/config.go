// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// vector cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Production scrubs upstream error details from client responses.
	Production bool

	// GatewayAPIKey is the shared bearer key protecting /v1/* and /metrics.
	// Minimum 32 characters, enforced at startup.
	GatewayAPIKey string

	// Provider credentials and per-provider settings.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Google    ProviderConfig

	// RequestTimeout is the default end-to-end deadline. Must be ≥ every
	// per-provider timeout. Default: 60s.
	RequestTimeout time.Duration

	// Redis holds the connection URL for the vector cache.
	// Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache controls the semantic response cache.
	Cache CacheConfig

	// RateLimit controls the per-provider token buckets.
	RateLimit RateLimitConfig

	// Routing controls provider selection and failover.
	Routing RoutingConfig

	// Breaker controls the per-provider circuit breaker.
	Breaker BreakerConfig

	// Latency controls the latency tracker.
	Latency LatencyConfig

	// EstimateStreamUsage enables the chars/4 output-token estimate at
	// stream end. Inaccurate; off by default.
	EstimateStreamUsage bool
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development.
	BaseURL string

	// Timeout is the per-provider request deadline. Zero uses RequestTimeout.
	Timeout time.Duration

	// RateLimit overrides the global token bucket for this provider.
	RateLimit *BucketConfig
}

// BucketConfig holds token bucket parameters.
type BucketConfig struct {
	// MaxTokens is the bucket capacity. Must be positive.
	MaxTokens int

	// RefillRate is tokens per second. Must be positive.
	RefillRate float64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the semantic cache.
type CacheConfig struct {
	// Mode selects the backend:
	//   "redis"  — RediSearch HNSW vector index (requires REDIS_URL).
	//   "memory" — in-process brute-force index. Not shared across replicas.
	//   "none"   — cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// Threshold is the maximum cosine distance accepted as a hit.
	// Default: 0.1.
	Threshold float64

	// EmbeddingModel names the model used for query embeddings.
	// Default: "text-embedding-3-small".
	EmbeddingModel string

	// EmbeddingDims is the vector dimensionality of the index.
	// Default: 1536.
	EmbeddingDims int
}

// RateLimitConfig holds the default token bucket applied to every provider
// without an override.
type RateLimitConfig struct {
	MaxTokens  int
	RefillRate float64
}

// RoutingConfig controls selection and failover.
type RoutingConfig struct {
	// Strategy is the default scoring strategy: balanced, cost, latency, or
	// capability. Default: balanced.
	Strategy string

	// MaxRetries is the number of retries after the first attempt, per
	// provider. Default: 2.
	MaxRetries int

	// BackoffBase and BackoffMax bound the exponential retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// BreakerConfig controls the per-provider circuit breaker.
type BreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the
	// breaker. Default: 5.
	ErrorThreshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration
}

// LatencyConfig controls the latency tracker.
type LatencyConfig struct {
	// WindowSize bounds the rolling percentile window. Default: 100.
	WindowSize int

	// Alpha is the EMA smoothing factor in (0, 1]. Default: 0.3.
	Alpha float64
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PRODUCTION", false)
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_THRESHOLD", 0.1)
	v.SetDefault("CACHE_EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("CACHE_EMBEDDING_DIMS", 1536)

	v.SetDefault("RATE_LIMIT_MAX_TOKENS", 60)
	v.SetDefault("RATE_LIMIT_REFILL_RATE", 1.0)

	v.SetDefault("ROUTING_STRATEGY", "balanced")
	v.SetDefault("MAX_RETRIES", 2)
	v.SetDefault("BACKOFF_BASE", "200ms")
	v.SetDefault("BACKOFF_MAX", "5s")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_COOLDOWN", "30s")

	v.SetDefault("LATENCY_WINDOW", 100)
	v.SetDefault("LATENCY_ALPHA", 0.3)

	v.SetDefault("ESTIMATE_STREAM_USAGE", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:       v.GetInt("PORT"),
		LogLevel:   strings.ToLower(v.GetString("LOG_LEVEL")),
		Production: v.GetBool("PRODUCTION"),

		GatewayAPIKey: v.GetString("GATEWAY_API_KEY"),

		OpenAI: ProviderConfig{
			APIKey:    v.GetString("OPENAI_API_KEY"),
			BaseURL:   v.GetString("OPENAI_BASE_URL"),
			Timeout:   v.GetDuration("OPENAI_TIMEOUT"),
			RateLimit: bucketOverride(v, "OPENAI"),
		},
		Anthropic: ProviderConfig{
			APIKey:    v.GetString("ANTHROPIC_API_KEY"),
			BaseURL:   v.GetString("ANTHROPIC_BASE_URL"),
			Timeout:   v.GetDuration("ANTHROPIC_TIMEOUT"),
			RateLimit: bucketOverride(v, "ANTHROPIC"),
		},
		Google: ProviderConfig{
			APIKey:    v.GetString("GOOGLE_API_KEY"),
			BaseURL:   v.GetString("GOOGLE_BASE_URL"),
			Timeout:   v.GetDuration("GOOGLE_TIMEOUT"),
			RateLimit: bucketOverride(v, "GOOGLE"),
		},

		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:           strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:            v.GetDuration("CACHE_TTL"),
			Threshold:      v.GetFloat64("CACHE_THRESHOLD"),
			EmbeddingModel: v.GetString("CACHE_EMBEDDING_MODEL"),
			EmbeddingDims:  v.GetInt("CACHE_EMBEDDING_DIMS"),
		},

		RateLimit: RateLimitConfig{
			MaxTokens:  v.GetInt("RATE_LIMIT_MAX_TOKENS"),
			RefillRate: v.GetFloat64("RATE_LIMIT_REFILL_RATE"),
		},

		Routing: RoutingConfig{
			Strategy:    strings.ToLower(v.GetString("ROUTING_STRATEGY")),
			MaxRetries:  v.GetInt("MAX_RETRIES"),
			BackoffBase: v.GetDuration("BACKOFF_BASE"),
			BackoffMax:  v.GetDuration("BACKOFF_MAX"),
		},

		Breaker: BreakerConfig{
			ErrorThreshold: v.GetInt("CB_ERROR_THRESHOLD"),
			Cooldown:       v.GetDuration("CB_COOLDOWN"),
		},

		Latency: LatencyConfig{
			WindowSize: v.GetInt("LATENCY_WINDOW"),
			Alpha:      v.GetFloat64("LATENCY_ALPHA"),
		},

		EstimateStreamUsage: v.GetBool("ESTIMATE_STREAM_USAGE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bucketOverride reads <PREFIX>_RATE_LIMIT_MAX_TOKENS / _REFILL_RATE, nil
// when neither is set.
func bucketOverride(v *viper.Viper, prefix string) *BucketConfig {
	maxKey := prefix + "_RATE_LIMIT_MAX_TOKENS"
	rateKey := prefix + "_RATE_LIMIT_REFILL_RATE"
	if !v.IsSet(maxKey) && !v.IsSet(rateKey) {
		return nil
	}
	return &BucketConfig{
		MaxTokens:  v.GetInt(maxKey),
		RefillRate: v.GetFloat64(rateKey),
	}
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if len(c.GatewayAPIKey) < 32 {
		return fmt.Errorf("config: GATEWAY_API_KEY must be at least 32 characters")
	}

	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY)",
		)
	}

	// The global deadline must cover every per-provider deadline, otherwise
	// the per-provider value can never be honored.
	for _, pc := range []struct {
		name    string
		timeout time.Duration
	}{
		{"OPENAI_TIMEOUT", c.OpenAI.Timeout},
		{"ANTHROPIC_TIMEOUT", c.Anthropic.Timeout},
		{"GOOGLE_TIMEOUT", c.Google.Timeout},
	} {
		if pc.timeout > c.RequestTimeout {
			return fmt.Errorf("config: REQUEST_TIMEOUT (%s) must be ≥ %s (%s)",
				c.RequestTimeout, pc.name, pc.timeout)
		}
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Threshold <= 0 || c.Cache.Threshold >= 1 {
		return fmt.Errorf("config: CACHE_THRESHOLD must be in (0, 1), got %v", c.Cache.Threshold)
	}
	if c.Cache.EmbeddingDims <= 0 {
		return fmt.Errorf("config: CACHE_EMBEDDING_DIMS must be positive")
	}
	if c.Cache.Mode != "none" {
		if _, ok := providers.EmbeddingModelAliases[c.Cache.EmbeddingModel]; !ok {
			return fmt.Errorf("config: unknown CACHE_EMBEDDING_MODEL %q", c.Cache.EmbeddingModel)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.MaxTokens <= 0 || c.RateLimit.RefillRate <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_MAX_TOKENS and RATE_LIMIT_REFILL_RATE must be positive")
	}
	for _, o := range []*BucketConfig{c.OpenAI.RateLimit, c.Anthropic.RateLimit, c.Google.RateLimit} {
		if o != nil && (o.MaxTokens <= 0 || o.RefillRate <= 0) {
			return fmt.Errorf("config: per-provider rate limit overrides must be positive")
		}
	}

	switch c.Routing.Strategy {
	case "balanced", "cost", "latency", "capability":
	default:
		return fmt.Errorf("config: invalid ROUTING_STRATEGY %q", c.Routing.Strategy)
	}
	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Routing.MaxRetries)
	}

	if c.Breaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.Breaker.ErrorThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN must be a positive duration")
	}

	if c.Latency.WindowSize < 1 {
		return fmt.Errorf("config: LATENCY_WINDOW must be ≥ 1, got %d", c.Latency.WindowSize)
	}
	if c.Latency.Alpha <= 0 || c.Latency.Alpha > 1 {
		return fmt.Errorf("config: LATENCY_ALPHA must be in (0, 1], got %v", c.Latency.Alpha)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" || c.Anthropic.APIKey != "" || c.Google.APIKey != ""
}

// EnabledProviders lists the providers with configured credentials.
func (c *Config) EnabledProviders() []providers.Name {
	var out []providers.Name
	if c.OpenAI.APIKey != "" {
		out = append(out, providers.OpenAI)
	}
	if c.Anthropic.APIKey != "" {
		out = append(out, providers.Anthropic)
	}
	if c.Google.APIKey != "" {
		out = append(out, providers.Google)
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
