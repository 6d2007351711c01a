// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initProviders — LLM provider clients
//  3. initServices — trackers, registry, routing, cache
//  4. initGateway  — proxy pipeline
//
// Everything lives in one explicit container built after config load and
// passed through the pipeline; there is no hidden module-level state, so
// tests construct fresh instances freely.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/cost"
	"github.com/nulpointcorp/llm-router/internal/errtrack"
	"github.com/nulpointcorp/llm-router/internal/fallback"
	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-router/internal/providers/anthropic"
	googleprov "github.com/nulpointcorp/llm-router/internal/providers/google"
	openaiprov "github.com/nulpointcorp/llm-router/internal/providers/openai"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/routing"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb      *redis.Client
	memIndex *npCache.MemoryIndex

	reqLogger *logger.Logger

	prom   *metrics.Registry
	shared *metrics.SharedCounters

	provs    map[providers.Name]providers.Provider
	tracker  *latency.Tracker
	reg      *registry.Registry
	limiter  *ratelimit.Limiter
	selector *routing.Selector
	costs    *cost.Tracker
	errs     *errtrack.Tracker
	semCache *npCache.SemanticCache

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It drains and closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.gw.BeginShutdown()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memIndex != nil {
		a.memIndex.Close()
		a.memIndex = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProviders creates a provider map from non-empty API keys.
func buildProviders(ctx context.Context, cfg *config.Config) map[providers.Name]providers.Provider {
	provs := make(map[providers.Name]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs[providers.OpenAI] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs[providers.Anthropic] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Google.APIKey != "" {
		var opts []googleprov.Option
		if cfg.Google.BaseURL != "" {
			opts = append(opts, googleprov.WithBaseURL(cfg.Google.BaseURL))
		}
		provs[providers.Google] = googleprov.New(ctx, cfg.Google.APIKey, opts...)
	}

	return provs
}

// fallbackHandler builds the retry/failover driver from config.
func (a *App) fallbackHandler() *fallback.Handler {
	return fallback.New(
		a.cfg.Routing.MaxRetries,
		a.cfg.Routing.BackoffBase,
		a.cfg.Routing.BackoffMax,
		a.errs,
		a.log,
	)
}
