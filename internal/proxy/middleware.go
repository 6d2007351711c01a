package proxy

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
	"github.com/valyala/fasthttp"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// applyMiddleware wraps h with the given middleware chain. The first
// middleware in the slice becomes the outermost wrapper (executes first on
// request, last on response unwinding):
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func (g *Gateway) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal server error", apierr.TypeInternalError, apierr.CodeInternalError)
			}
		}()
		next(ctx)
	}
}

// tracing ensures every request has an X-Request-Id. If the client does not
// supply one a UUID v4 is generated. The ID is stored on the request context
// for downstream handlers and echoed in the response for correlation.
func (g *Gateway) tracing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-Id"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-Id", id)
		ctx.SetUserValue(ctxKeyRequestID, id)
		next(ctx)
	}
}

// requestLogger emits request and response records with the request id.
func (g *Gateway) requestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		reqID, _ := ctx.UserValue(ctxKeyRequestID).(string)

		g.log.InfoContext(ctx, "request",
			slog.String("request_id", reqID),
			slog.String("method", string(ctx.Method())),
			slog.String("path", string(ctx.Path())),
		)

		next(ctx)

		g.log.InfoContext(ctx, "response",
			slog.String("request_id", reqID),
			slog.Int("status", ctx.Response.StatusCode()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

// shutdownGate rejects new work while the process is draining.
func (g *Gateway) shutdownGate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.draining.Load() {
			apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
				"gateway is shutting down", apierr.TypeServerError, apierr.CodeShuttingDown)
			return
		}
		next(ctx)
	}
}

// auth validates the Authorization bearer token against the configured
// gateway key. The comparison hashes both sides first so its runtime is
// independent of how many prefix bytes match.
func (g *Gateway) auth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	want := sha256.Sum256([]byte(g.opts.AuthKey))
	return func(ctx *fasthttp.RequestCtx) {
		token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			apierr.WriteUnauthorized(ctx)
			return
		}
		got := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			apierr.WriteUnauthorized(ctx)
			return
		}
		next(ctx)
	}
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// bodyLimit rejects oversized bodies before parsing.
func (g *Gateway) bodyLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if len(ctx.PostBody()) > g.opts.MaxBodyBytes {
			apierr.Write(ctx, fasthttp.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", g.opts.MaxBodyBytes),
				apierr.TypeInvalidRequest, apierr.CodeBodyTooLarge)
			return
		}
		next(ctx)
	}
}

// parseValidate parses the body exactly once, validates it against the
// schema, and stores the result on the context. Downstream middleware reads
// from the context, never re-parses.
func (g *Gateway) parseValidate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req inboundRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("invalid JSON: %s", err.Error()),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}

		if issues := req.validate(); len(issues) > 0 {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"invalid request: "+strings.Join(issues, "; "),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}

		ctx.SetUserValue(ctxKeyParsed, &req)
		next(ctx)
	}
}

// rateLimit resolves the provider from the requested model and takes one
// token from its bucket. Denials return 429 with Retry-After and
// X-RateLimit-* headers. Rate-limit denials are admission control, not
// upstream failures — they never touch the circuit breaker.
func (g *Gateway) rateLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req := parsedRequest(ctx)

		prov, ok := providers.ProviderForModel(req.Model)
		if !ok {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("unknown provider for model %q", req.Model),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		ctx.SetUserValue(ctxKeyProvider, prov)

		bucket := g.deps.Limiter.Bucket(prov)
		if !bucket.TryAcquire() {
			if g.deps.Metrics != nil {
				g.deps.Metrics.RecordRateLimit(prov.String(), "blocked")
			}
			retryAfter := int64(bucket.RetryAfter() / time.Second)
			ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(bucket.Limit()))
			ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(bucket.Remaining()))
			apierr.WriteRateLimit(ctx, retryAfter)
			return
		}
		if g.deps.Metrics != nil {
			g.deps.Metrics.RecordRateLimit(prov.String(), "allowed")
		}

		next(ctx)
	}
}

// deadline establishes the per-request cancellation context. The timeout
// resolves as X-Timeout-Ms (clamped) > per-provider timeout > default. The
// context derives from the fasthttp RequestCtx so a client disconnect also
// cancels upstream work. This context is the single source of truth for
// every blocking call downstream.
func (g *Gateway) deadline(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		prov, _ := ctx.UserValue(ctxKeyProvider).(providers.Name)

		var headerMs int64
		if raw := ctx.Request.Header.Peek("X-Timeout-Ms"); len(raw) > 0 {
			if v, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
				headerMs = v
			}
		}

		dctx, cancel := context.WithTimeout(ctx, g.requestTimeout(headerMs, prov))
		ctx.SetUserValue(ctxKeyDeadline, dctx)
		ctx.SetUserValue(ctxKeyCancel, context.CancelFunc(cancel))

		next(ctx)

		// Streaming hands ownership of the context to the body stream
		// writer, which runs after this unwinds and cancels it at [DONE].
		if streaming, _ := ctx.UserValue(ctxKeyStreaming).(bool); !streaming {
			cancel()
		}
	}
}

// route computes routing metadata, ranks providers, and stores the ordered
// selection on the context. The outcome observation after next() always
// fires, including on panic unwinding.
func (g *Gateway) route(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req := parsedRequest(ctx)

		meta, err := g.routingMeta(ctx, req)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}

		ranked, err := g.deps.Selector.Select(meta)
		if err != nil {
			if errors.Is(err, routing.ErrNoProviderAvailable) {
				apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
					"no provider available for this request",
					apierr.TypeServerError, apierr.CodeNoProviderAvailable)
				return
			}
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"routing failed", apierr.TypeInternalError, apierr.CodeInternalError)
			return
		}
		ctx.SetUserValue(ctxKeyRanked, ranked)

		start := time.Now()
		defer func() {
			if g.deps.Metrics != nil {
				cacheLabel := string(ctx.Response.Header.Peek("X-Cache"))
				if cacheLabel == "" {
					cacheLabel = "none"
				}
				g.deps.Metrics.ObserveGatewayRequest(
					ranked[0].Provider.String(), "chat_completions",
					strings.ToLower(cacheLabel), time.Since(start))
			}
			if g.deps.Shared != nil {
				g.deps.Shared.IncRequests()
			}
		}()

		next(ctx)
	}
}

// routingMeta builds the routing view of the request from the parsed body
// and the x-routing-* headers. Invalid header values are rejected rather
// than silently ignored.
func (g *Gateway) routingMeta(ctx *fasthttp.RequestCtx, req *inboundRequest) (routing.RequestMeta, error) {
	meta := routing.RequestMeta{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}

	for _, m := range req.Messages {
		meta.EstimatedInputTokens += (len(m.Content) + 3) / 4
	}

	strategy, ok := routing.ParseStrategy(string(ctx.Request.Header.Peek("x-routing-strategy")))
	if !ok {
		return meta, fmt.Errorf("invalid x-routing-strategy header")
	}
	meta.Hints.Strategy = strategy

	if raw := ctx.Request.Header.Peek("x-routing-prefer-provider"); len(raw) > 0 {
		p, err := providers.ParseName(string(raw))
		if err != nil {
			return meta, fmt.Errorf("invalid x-routing-prefer-provider header")
		}
		meta.Hints.PreferProvider = p
	}

	if raw := ctx.Request.Header.Peek("x-routing-max-latency-ms"); len(raw) > 0 {
		v, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil || v <= 0 {
			return meta, fmt.Errorf("invalid x-routing-max-latency-ms header")
		}
		meta.Hints.MaxLatencyMs = v
	}

	if raw := ctx.Request.Header.Peek("x-routing-max-cost"); len(raw) > 0 {
		v, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || v <= 0 {
			return meta, fmt.Errorf("invalid x-routing-max-cost header")
		}
		meta.Hints.MaxCostPer1K = v
	}

	return meta, nil
}

// cacheLookup short-circuits on a semantic hit and stores successful
// non-streaming responses asynchronously after the handler completes.
func (g *Gateway) cacheLookup(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req := parsedRequest(ctx)

		if g.deps.Cache == nil {
			ctx.Response.Header.Set("X-Cache", xCacheDISABLED)
			next(ctx)
			return
		}

		skip := req.Stream ||
			strings.EqualFold(string(ctx.Request.Header.Peek("X-Skip-Cache")), "true")
		if skip {
			ctx.Response.Header.Set("X-Cache", xCacheSKIP)
			if g.deps.Metrics != nil {
				g.deps.Metrics.CacheGetSkip()
			}
			next(ctx)
			return
		}

		dctx := deadlineCtx(ctx)
		q := cacheQuery(req)

		hit, embedding, ok := g.deps.Cache.Lookup(dctx, q)
		if ok {
			reqID, _ := ctx.UserValue(ctxKeyRequestID).(string)
			if g.deps.Metrics != nil {
				g.deps.Metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
				slog.Float64("distance", hit.Distance),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.Response.Header.Set("X-Cache-Score", strconv.FormatFloat(hit.Distance, 'f', 4, 64))
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(hit.Response)
			g.logRequest(ctx, "", req.Model, hit.Usage, xCacheHIT)
			return
		}

		ctx.Response.Header.Set("X-Cache", xCacheMISS)
		if g.deps.Metrics != nil {
			g.deps.Metrics.CacheGetMiss()
		}
		next(ctx)

		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			return
		}
		if streaming, _ := ctx.UserValue(ctxKeyStreaming).(bool); streaming {
			return
		}

		// Async store so the client never waits on the vector index. The
		// cache applies its own operation timeouts.
		body := append([]byte(nil), ctx.Response.Body()...)
		usage := usageFromBody(body)
		go func() {
			storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			g.deps.Cache.Store(storeCtx, q, embedding, body, usage)
			if g.deps.Metrics != nil {
				g.deps.Metrics.CacheSetOK()
			}
		}()
	}
}

// cacheQuery converts the parsed request into the cache's key space.
func cacheQuery(req *inboundRequest) cache.Query {
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return cache.Query{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.temperature(),
		MaxTokens:   req.MaxTokens,
	}
}

// usageFromBody best-effort extracts token usage from an OpenAI envelope.
func usageFromBody(body []byte) providers.Usage {
	var parsed struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.Usage{}
	}
	return providers.Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
}

// ── Context accessors ────────────────────────────────────────────────────────

func parsedRequest(ctx *fasthttp.RequestCtx) *inboundRequest {
	req, _ := ctx.UserValue(ctxKeyParsed).(*inboundRequest)
	if req == nil {
		panic("proxy: parsed request missing from context (middleware order broken)")
	}
	return req
}

// deadlineCtx returns the per-request deadline context, falling back to the
// fasthttp context when the deadline middleware has not run (tests).
func deadlineCtx(ctx *fasthttp.RequestCtx) context.Context {
	if d, ok := ctx.UserValue(ctxKeyDeadline).(context.Context); ok {
		return d
	}
	return ctx
}

func rankedProviders(ctx *fasthttp.RequestCtx) []routing.Ranked {
	ranked, _ := ctx.UserValue(ctxKeyRanked).([]routing.Ranked)
	return ranked
}
