package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	npCache "github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/cost"
	"github.com/nulpointcorp/llm-router/internal/errtrack"
	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/routing"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	return nil
}

// initServices builds the shared in-memory state: trackers, registry,
// limiter, routing, and the semantic cache.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.shared = metrics.NewSharedCounters()

	a.costs = cost.New(a.shared)
	a.errs = errtrack.New(a.shared)

	a.tracker = latency.New(a.cfg.Latency.WindowSize, a.cfg.Latency.Alpha)

	enabled := a.cfg.EnabledProviders()
	a.reg = registry.New(enabled, registry.Config{
		ErrorThreshold: a.cfg.Breaker.ErrorThreshold,
		Cooldown:       a.cfg.Breaker.Cooldown,
	}, a.tracker, a.log)

	var err error
	a.limiter, err = ratelimit.NewLimiter(
		ratelimit.BucketConfig{
			MaxTokens:  a.cfg.RateLimit.MaxTokens,
			RefillRate: a.cfg.RateLimit.RefillRate,
		},
		bucketOverrides(a.cfg),
	)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	engine, err := routing.NewEngine(nil, a.tracker)
	if err != nil {
		return fmt.Errorf("routing engine: %w", err)
	}
	a.selector = routing.NewSelector(a.reg, engine, a.fallbackHandler(), a.log)

	if err := a.initCache(ctx); err != nil {
		return err
	}

	a.reqLogger, err = logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}

	return nil
}

// initCache builds the semantic cache for the configured mode. The embedder
// requires a provider with embedding support (OpenAI); without one the cache
// is disabled with a warning rather than failing startup.
func (a *App) initCache(ctx context.Context) error {
	if a.cfg.Cache.Mode == "none" {
		a.log.Info("cache backend: disabled")
		return nil
	}

	embProv, ok := a.provs[providers.OpenAI].(providers.EmbeddingProvider)
	if !ok {
		a.log.Warn("semantic cache disabled: no embedding-capable provider configured")
		return nil
	}
	embedder := npCache.NewProviderEmbedder(embProv, a.cfg.Cache.EmbeddingModel)

	var index npCache.VectorIndex
	switch a.cfg.Cache.Mode {
	case "redis":
		idx := npCache.NewRedisIndexFromClient(a.rdb, a.cfg.Cache.EmbeddingDims, a.log)
		if err := idx.EnsureIndex(ctx); err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
		index = idx
		a.log.Info("cache backend: redis vector index",
			slog.Int("dims", a.cfg.Cache.EmbeddingDims))

	case "memory":
		a.memIndex = npCache.NewMemoryIndex(a.baseCtx)
		index = a.memIndex
		a.log.Info("cache backend: in-process vector index")
	}

	a.semCache = npCache.New(
		npCache.Embeddings{Index: index, Embedder: embedder},
		npCache.Config{Threshold: a.cfg.Cache.Threshold, TTL: a.cfg.Cache.TTL},
		a.log,
	)
	return nil
}

// initGateway wires the proxy pipeline.
func (a *App) initGateway(_ context.Context) error {
	var cacheReady func(context.Context) bool
	if a.cfg.Cache.Mode == "redis" && a.rdb != nil {
		idx := npCache.NewRedisIndexFromClient(a.rdb, a.cfg.Cache.EmbeddingDims, a.log)
		cacheReady = idx.Ready
	}

	a.gw = proxy.New(a.baseCtx, proxy.Deps{
		Log:        a.log,
		Selector:   a.selector,
		Registry:   a.reg,
		Limiter:    a.limiter,
		Cache:      a.semCache,
		Metrics:    a.prom,
		Costs:      a.costs,
		Errors:     a.errs,
		Shared:     a.shared,
		Logger:     a.reqLogger,
		Provs:      a.provs,
		CacheReady: cacheReady,
	}, proxy.Options{
		AuthKey:             a.cfg.GatewayAPIKey,
		Production:          a.cfg.Production,
		RequestTimeout:      a.cfg.RequestTimeout,
		ProviderTimeouts:    providerTimeouts(a.cfg),
		EstimateStreamUsage: a.cfg.EstimateStreamUsage,
		Version:             a.version,
	})

	return nil
}

func providerTimeouts(cfg *config.Config) map[providers.Name]time.Duration {
	out := make(map[providers.Name]time.Duration)
	if cfg.OpenAI.Timeout > 0 {
		out[providers.OpenAI] = cfg.OpenAI.Timeout
	}
	if cfg.Anthropic.Timeout > 0 {
		out[providers.Anthropic] = cfg.Anthropic.Timeout
	}
	if cfg.Google.Timeout > 0 {
		out[providers.Google] = cfg.Google.Timeout
	}
	return out
}

func bucketOverrides(cfg *config.Config) map[providers.Name]ratelimit.BucketConfig {
	out := make(map[providers.Name]ratelimit.BucketConfig)
	for _, e := range []struct {
		name providers.Name
		cfg  *config.BucketConfig
	}{
		{providers.OpenAI, cfg.OpenAI.RateLimit},
		{providers.Anthropic, cfg.Anthropic.RateLimit},
		{providers.Google, cfg.Google.RateLimit},
	} {
		if e.cfg != nil {
			out[e.name] = ratelimit.BucketConfig{
				MaxTokens:  e.cfg.MaxTokens,
				RefillRate: e.cfg.RefillRate,
			}
		}
	}
	return out
}

// redactURL strips credentials from a connection URL before logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}
