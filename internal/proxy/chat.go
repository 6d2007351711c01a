package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-router/internal/cost"
	"github.com/nulpointcorp/llm-router/internal/fallback"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
	"github.com/valyala/fasthttp"
)

type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat is the terminal handler for /v1/chat/completions. The routing
// middleware has already ranked providers; this handler drives the fallback
// chain and renders the response, buffered or streamed.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	req := parsedRequest(ctx)
	ranked := rankedProviders(ctx)
	reqID, _ := ctx.UserValue(ctxKeyRequestID).(string)
	dctx := deadlineCtx(ctx)
	start := time.Now()

	if g.deps.Metrics != nil {
		g.deps.Metrics.IncInFlight()
	}

	proxyReq := toProxyRequest(req, reqID)

	res, err := g.deps.Selector.Run(dctx, ranked, req.Stream,
		func(attemptCtx context.Context, c fallback.Candidate) (*providers.ProxyResponse, error) {
			prov, ok := g.deps.Provs[c.Provider]
			if !ok {
				return nil, fmt.Errorf("provider %s not configured", c.Provider)
			}
			attemptReq := *proxyReq
			attemptReq.Model = c.Model

			attemptStart := time.Now()
			resp, execErr := prov.Request(attemptCtx, &attemptReq)
			if g.deps.Metrics != nil {
				outcome := "success"
				if execErr != nil {
					outcome = "error"
				}
				g.deps.Metrics.ObserveUpstreamAttempt(c.Provider.String(), outcome, time.Since(attemptStart))
			}
			return resp, execErr
		})
	if err != nil {
		if g.deps.Metrics != nil {
			g.deps.Metrics.DecInFlight()
		}
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.writeTerminalError(ctx, err)
		g.logRequest(ctx, "", req.Model, providers.Usage{}, cacheState(ctx))
		return
	}

	resp := res.Response
	served := res.Served

	if len(res.Attempts) > 1 && g.deps.Metrics != nil {
		first := res.Attempts[0]
		g.deps.Metrics.RecordFailover(first.Provider.String(), served.Provider.String())
	}

	// Streaming: hand everything to the body stream writer. It owns the
	// fallback release and runs after this handler unwinds.
	if req.Stream && resp.Stream != nil {
		ctx.SetUserValue(ctxKeyStreaming, true)
		g.writeSSE(ctx, resp, served, res.Release, start)
		return
	}
	defer res.Release()

	usage := resp.Usage
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		if g.deps.Metrics != nil {
			g.deps.Metrics.DecInFlight()
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeInternalError, apierr.CodeInternalError)
		return
	}

	if g.deps.Costs != nil {
		g.deps.Costs.Record(served.Provider, served.Model, usage)
	}
	if g.deps.Metrics != nil {
		g.deps.Metrics.AddTokens(served.Provider.String(), usage.InputTokens, usage.OutputTokens, false)
		g.deps.Metrics.DecInFlight()
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", served.Provider.String()),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", usage.InputTokens),
		slog.Int("output_tokens", usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.logRequest(ctx, served.Provider, served.Model, usage, cacheState(ctx))
}

// writeSSE streams response chunks as Server-Sent Events terminated by a
// [DONE] sentinel. The stream terminates promptly when the deadline context
// cancels; release is invoked once the stream drains.
func (g *Gateway) writeSSE(
	ctx *fasthttp.RequestCtx,
	resp *providers.ProxyResponse,
	served fallback.Candidate,
	release context.CancelFunc,
	start time.Time,
) {
	reqID, _ := ctx.UserValue(ctxKeyRequestID).(string)
	dctx := deadlineCtx(ctx)
	model := resp.Model

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	cancelDeadline, _ := ctx.UserValue(ctxKeyCancel).(context.CancelFunc)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer release()
		if cancelDeadline != nil {
			defer cancelDeadline()
		}

		streamID := "chatcmpl-" + uuid.New().String()[:8]
		var sb strings.Builder
		firstChunk := true

	drain:
		for {
			select {
			case chunk, open := <-resp.Stream:
				if !open {
					break drain
				}
				sb.WriteString(chunk.Content)
				writeChunkEvent(w, streamID, model, chunk, firstChunk)
				firstChunk = false
				w.Flush() //nolint:errcheck
			case <-dctx.Done():
				// Deadline or client disconnect: the provider goroutine sees
				// the same cancellation and closes the channel; stop writing
				// now so the connection is released promptly.
				break drain
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Providers do not report usage on streams; optionally estimate
		// output at ~4 chars per token.
		usage := providers.Usage{}
		if g.opts.EstimateStreamUsage {
			usage.OutputTokens = (sb.Len() + 3) / 4
		}

		if g.deps.Costs != nil && usage.OutputTokens > 0 {
			g.deps.Costs.Record(served.Provider, served.Model, usage)
		}
		if g.deps.Metrics != nil {
			g.deps.Metrics.AddTokens(served.Provider.String(), 0, usage.OutputTokens, false)
			g.deps.Metrics.DecInFlight()
		}
		g.log.DebugContext(ctx, "stream_complete",
			slog.String("request_id", reqID),
			slog.String("provider", served.Provider.String()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.logRequest(ctx, served.Provider, served.Model, usage, xCacheSKIP)
	})
}

// writeChunkEvent renders one chat.completion.chunk SSE event.
func writeChunkEvent(w *bufio.Writer, id, model string, chunk providers.StreamChunk, first bool) {
	delta := map[string]any{}
	if first {
		delta["role"] = "assistant"
	}
	if chunk.Content != "" {
		delta["content"] = chunk.Content
	}

	var finish any
	if chunk.FinishReason != "" {
		finish = chunk.FinishReason
	}

	event := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			},
		},
	}
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// toProxyRequest converts the validated inbound body to the normalized
// provider request.
func toProxyRequest(req *inboundRequest, reqID string) *providers.ProxyRequest {
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	out := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.temperature(),
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		RequestID:   reqID,
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	return out
}

// logRequest enqueues an accounting entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	ctx *fasthttp.RequestCtx,
	provider providers.Name,
	model string,
	usage providers.Usage,
	cacheLabel string,
) {
	if g.deps.Logger == nil {
		return
	}

	reqID, _ := ctx.UserValue(ctxKeyRequestID).(string)
	reqUUID, _ := uuid.Parse(reqID)

	var costUSD float64
	if provider != "" {
		costUSD = cost.Calculate(model, usage)
	}

	latency := time.Duration(0)
	if t := ctx.Time(); !t.IsZero() {
		latency = time.Since(t)
	}
	latencyMs := latency.Milliseconds()
	if latencyMs > 65535 {
		latencyMs = 65535
	}

	g.deps.Logger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(usage.InputTokens),
		OutputTokens: uint32(usage.OutputTokens),
		LatencyMs:    uint16(latencyMs),
		Status:       uint16(ctx.Response.StatusCode()),
		CacheState:   cacheLabel,
		CostUSD:      costUSD,
		CreatedAt:    time.Now(),
	})
}

func cacheState(ctx *fasthttp.RequestCtx) string {
	if s := string(ctx.Response.Header.Peek("X-Cache")); s != "" {
		return s
	}
	return xCacheDISABLED
}
