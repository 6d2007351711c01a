package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the full request handler: routes plus the outer middleware
// shell. Exposed so tests can serve it on an in-memory listener.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	// The chat route traverses the complete pipeline, in this exact order.
	r.POST("/v1/chat/completions", applyMiddleware(
		g.dispatchChat,
		g.shutdownGate,
		g.auth,
		g.bodyLimit,
		g.parseValidate,
		g.rateLimit,
		g.deadline,
		g.route,
		g.cacheLookup,
	))

	r.GET("/health", g.handleHealth)
	r.GET("/ready", g.handleReady)

	if g.deps.Metrics != nil {
		r.GET("/metrics", applyMiddleware(g.deps.Metrics.Handler(), g.auth))
	}
	r.GET("/metrics/costs", applyMiddleware(g.handleCosts, g.auth))

	// Tracing and logging wrap everything, recovery outermost.
	return applyMiddleware(r.Handler,
		g.recovery,
		g.tracing,
		g.requestLogger,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks.
func (g *Gateway) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 150 * time.Second, // above the maximum streaming deadline
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	// Keep this endpoint cheap and unauthenticated; no uptime or internals.
	writeJSON(ctx, map[string]string{"status": "ok", "version": g.opts.Version})
}

func (g *Gateway) handleReady(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	snap := g.health.Snapshot()
	if !snap.Ready {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, snap)
}

func (g *Gateway) handleCosts(ctx *fasthttp.RequestCtx) {
	type costsPayload struct {
		Costs     any `json:"costs,omitempty"`
		Errors    any `json:"errors,omitempty"`
		Providers any `json:"providers,omitempty"`
	}
	var p costsPayload
	if g.deps.Costs != nil {
		p.Costs = g.deps.Costs.Snapshot()
	}
	if g.deps.Errors != nil {
		p.Errors = g.deps.Errors.Snapshot()
	}
	if g.deps.Registry != nil {
		p.Providers = g.deps.Registry.States()
	}
	writeJSON(ctx, p)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
