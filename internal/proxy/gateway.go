// Package proxy is the core LLM request dispatcher.
//
// Every /v1/chat/completions request traverses a fixed middleware pipeline:
// tracing → request log → shutdown gate → auth → body limit → parse+validate
// → rate limit → deadline → smart router → semantic cache → chat handler.
// The terminal handler calls upstream through the fallback chain selected by
// the routing engine.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, cache, and metrics are optional and nil-safe.
//   - All I/O after the deadline middleware uses its context so timeouts and
//     client disconnects propagate to upstream calls.
//   - Streaming responses are pass-through (SSE); they are never cached and
//     never retried within a provider.
package proxy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/cost"
	"github.com/nulpointcorp/llm-router/internal/errtrack"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/routing"
)

const (
	xCacheHIT      = "HIT"
	xCacheMISS     = "MISS"
	xCacheSKIP     = "SKIP"
	xCacheDISABLED = "DISABLED"

	defaultMaxBodyBytes   = 1 << 20 // 1 MiB
	defaultRequestTimeout = 60 * time.Second

	// Client-supplied X-Timeout-Ms is clamped to this range.
	minHeaderTimeout = time.Second
	maxHeaderTimeout = 120 * time.Second
)

// Request-scoped context keys stored on the fasthttp RequestCtx. Downstream
// middleware reads these instead of re-parsing.
const (
	ctxKeyRequestID = "request_id"
	ctxKeyParsed    = "parsed_request"
	ctxKeyProvider  = "detected_provider"
	ctxKeyDeadline  = "deadline_ctx"
	ctxKeyRanked    = "ranked_providers"
	ctxKeyCancel    = "deadline_cancel"
	ctxKeyStreaming = "response_streaming"
)

// Options holds tuning parameters for a Gateway. All fields have sensible
// defaults and can be omitted except AuthKey.
type Options struct {
	// AuthKey is the shared gateway API key clients present as a bearer
	// token. Minimum length is enforced by config validation at startup.
	AuthKey string

	// Production scrubs upstream error messages from client responses,
	// preserving them only in logs.
	Production bool

	// MaxBodyBytes rejects larger request bodies with 413. Default: 1 MiB.
	MaxBodyBytes int

	// RequestTimeout is the default end-to-end deadline. Must be ≥ every
	// per-provider timeout (validated at startup). Default: 60s.
	RequestTimeout time.Duration

	// ProviderTimeouts overrides the deadline per detected provider.
	ProviderTimeouts map[providers.Name]time.Duration

	// EstimateStreamUsage enables the ceil(chars/4) output-token estimate at
	// stream end. Stream chunks carry no provider usage, so with this off
	// streamed responses record zero tokens. The estimate is crude; keep it
	// off when billing accuracy matters.
	EstimateStreamUsage bool

	// Version is reported by GET /health.
	Version string
}

// Deps are the gateway's collaborators, all injected so tests can substitute
// doubles. Metrics, ReqLogger, Cache, Costs, and Errors are nil-safe.
type Deps struct {
	Log      *slog.Logger
	Selector *routing.Selector
	Registry *registry.Registry
	Limiter  *ratelimit.Limiter
	Cache    *cache.SemanticCache
	Metrics  *metrics.Registry
	Costs    *cost.Tracker
	Errors   *errtrack.Tracker
	Shared   *metrics.SharedCounters
	Logger   *logger.Logger
	Provs    map[providers.Name]providers.Provider

	// CacheReady probes the cache backend for GET /ready. nil means no
	// external cache dependency.
	CacheReady func(context.Context) bool
}

// Gateway is the main proxy.
type Gateway struct {
	opts Options
	deps Deps
	log  *slog.Logger

	draining atomic.Bool
	health   *readiness
}

// New creates a fully configured Gateway.
func New(baseCtx context.Context, deps Deps, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	gw := &Gateway{opts: opts, deps: deps, log: deps.Log}
	if len(deps.Provs) > 0 {
		gw.health = newReadiness(baseCtx, deps.Provs, deps.CacheReady)
	}
	return gw
}

// BeginShutdown flips the drain flag: new requests receive 503 while
// in-flight work completes.
func (g *Gateway) BeginShutdown() {
	g.draining.Store(true)
}

// requestTimeout resolves the effective deadline for one request:
// X-Timeout-Ms (clamped) > per-provider timeout > default.
func (g *Gateway) requestTimeout(headerMs int64, prov providers.Name) time.Duration {
	if headerMs > 0 {
		d := time.Duration(headerMs) * time.Millisecond
		if d < minHeaderTimeout {
			d = minHeaderTimeout
		}
		if d > maxHeaderTimeout {
			d = maxHeaderTimeout
		}
		return d
	}
	if d, ok := g.opts.ProviderTimeouts[prov]; ok && d > 0 {
		return d
	}
	return g.opts.RequestTimeout
}
