package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full handler. Returns an HTTP client routed to it and a cleanup
// function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func doChat(t *testing.T, client *http.Client, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAuthKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return data
}

func errType(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("error envelope parse: %v (%s)", err, body)
	}
	return env.Error.Type
}

// --- S1: basic success ------------------------------------------------------

func TestE2E_BasicSuccess(t *testing.T) {
	idx := cache.NewMemoryIndex(context.Background())
	defer idx.Close()
	gw, reg := newTestGateway(t, gatewayConfig{
		provs:      map[providers.Name]providers.Provider{providers.OpenAI: okProvider(providers.OpenAI)},
		cacheIndex: idx,
		embedder:   &fixedEmbedder{},
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doChat(t, client, chatBody("gpt-4o", "ping"), nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("X-Request-Id missing")
	}
	if got := resp.Header.Get("X-Cache"); got != xCacheMISS {
		t.Errorf("expected X-Cache MISS, got %q", got)
	}

	var out outboundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("response parse: %v", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		t.Errorf("choices[0].message.content should be non-empty: %s", body)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object: %q", out.Object)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("usage: %+v", out.Usage)
	}

	// The registry observed the success.
	if got := reg.StateOf(providers.OpenAI).ConsecutiveErrors; got != 0 {
		t.Errorf("openai should be clean, got %d errors", got)
	}
	if reg.StateOf(providers.OpenAI).Latency.SampleCount == 0 {
		t.Error("success should record a latency sample")
	}
}

func TestE2E_AuthRequired(t *testing.T) {
	gw, _ := newTestGateway(t, gatewayConfig{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodPost, "http://gateway/v1/chat/completions",
		bytes.NewReader(chatBody("gpt-4o", "ping")))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if got := errType(t, body); got != "authentication_error" {
		t.Errorf("expected authentication_error, got %q", got)
	}
}

// --- S2: rate-limit denial --------------------------------------------------

func TestE2E_RateLimitDenial(t *testing.T) {
	gw, _ := newTestGateway(t, gatewayConfig{
		bucket: ratelimit.BucketConfig{MaxTokens: 1, RefillRate: 0.1},
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doChat(t, client, chatBody("gpt-4o-mini", "one"), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp.StatusCode)
	}

	resp = doChat(t, client, chatBody("gpt-4o-mini", "two"), nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", resp.StatusCode)
	}
	if got := errType(t, body); got != "rate_limit_error" {
		t.Errorf("expected rate_limit_error, got %q", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining: %q", got)
	}
}

// --- S3: circuit opens ------------------------------------------------------

func TestE2E_CircuitOpens(t *testing.T) {
	var calls atomic.Int64
	failing := &funcProvider{
		name: providers.OpenAI,
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			calls.Add(1)
			return nil, &upstreamStatusErr{503}
		},
	}

	gw, reg := newTestGateway(t, gatewayConfig{
		provs:   map[providers.Name]providers.Provider{providers.OpenAI: failing},
		breaker: registry.Config{ErrorThreshold: 5, Cooldown: 30 * time.Second},
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	// Five failing requests, one upstream attempt each (maxRetries=0).
	for i := 1; i <= 5; i++ {
		resp := doChat(t, client, chatBody("gpt-4o", "boom"), nil)
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("request %d: expected 503, got %d: %s", i, resp.StatusCode, body)
		}
		if got := errType(t, body); got != "server_error" {
			t.Errorf("request %d: expected server_error, got %q", i, got)
		}
	}

	if reg.BreakerStateOf(providers.OpenAI) != registry.StateOpen {
		t.Fatalf("circuit should be open after 5 failures, state=%v", reg.BreakerStateOf(providers.OpenAI))
	}
	callsBefore := calls.Load()

	// Sixth request inside the cooldown never reaches the provider.
	resp := doChat(t, client, chatBody("gpt-4o", "again"), nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while circuit open, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "no_provider_available") {
		t.Errorf("expected no_provider_available, got %s", body)
	}
	if calls.Load() != callsBefore {
		t.Errorf("provider must not be called while the circuit is open (calls %d → %d)",
			callsBefore, calls.Load())
	}
}

func TestE2E_CircuitOpenFailsOver(t *testing.T) {
	failing := &funcProvider{
		name: providers.OpenAI,
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &upstreamStatusErr{503}
		},
	}
	gw, _ := newTestGateway(t, gatewayConfig{
		provs: map[providers.Name]providers.Provider{
			providers.OpenAI:    failing,
			providers.Anthropic: okProvider(providers.Anthropic),
		},
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doChat(t, client, chatBody("gpt-4o", "hello"), nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 via failover, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "hello from anthropic") {
		t.Errorf("expected anthropic to serve, got %s", body)
	}
}

// --- S4: deadline exceeded --------------------------------------------------

func TestE2E_DeadlineExceeded(t *testing.T) {
	cancelObserved := make(chan time.Time, 1)
	start := time.Now()

	slow := &funcProvider{
		name: providers.OpenAI,
		requestFn: func(ctx context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			select {
			case <-ctx.Done():
				cancelObserved <- time.Now()
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, fmt.Errorf("should have been cancelled")
			}
		},
	}
	gw, _ := newTestGateway(t, gatewayConfig{
		provs: map[providers.Name]providers.Provider{providers.OpenAI: slow},
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doChat(t, client, chatBody("gpt-4o", "slow"), map[string]string{"X-Timeout-Ms": "1000"})
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", resp.StatusCode, body)
	}
	if got := errType(t, body); got != "timeout_error" {
		t.Errorf("expected timeout_error, got %q", got)
	}

	select {
	case at := <-cancelObserved:
		if elapsed := at.Sub(start); elapsed > 1500*time.Millisecond {
			t.Errorf("upstream cancellation arrived after %v, want < 1.5s", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Error("upstream never observed cancellation")
	}
}

// --- S5: cache hit ----------------------------------------------------------

// fixedEmbedder maps identical texts to identical vectors.
type fixedEmbedder struct{}

func (e *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	// Cheap deterministic "semantic" vector: character histogram buckets.
	var v [8]float32
	for i := 0; i < len(text); i++ {
		v[int(text[i])%8]++
	}
	out := make([]float32, 8)
	copy(out, v[:])
	return out, nil
}

func TestE2E_CacheHit(t *testing.T) {
	idx := cache.NewMemoryIndex(context.Background())
	defer idx.Close()

	var upstreamCalls atomic.Int64
	counting := &funcProvider{
		name: providers.OpenAI,
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			upstreamCalls.Add(1)
			return &providers.ProxyResponse{
				ID: "resp-1", Model: req.Model, Content: "4",
				Usage: providers.Usage{InputTokens: 12, OutputTokens: 1},
			}, nil
		},
	}

	gw, _ := newTestGateway(t, gatewayConfig{
		provs:      map[providers.Name]providers.Provider{providers.OpenAI: counting},
		cacheIndex: idx,
		embedder:   &fixedEmbedder{},
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"What is 2+2?"}],"temperature":0.7}`)

	resp := doChat(t, client, body, nil)
	first := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache") != xCacheMISS {
		t.Fatalf("first: expected 200 MISS, got %d %q", resp.StatusCode, resp.Header.Get("X-Cache"))
	}

	// The store is async; wait for the entry to land.
	deadline := time.Now().Add(2 * time.Second)
	for idx.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if idx.Len() == 0 {
		t.Fatal("async cache store never landed")
	}

	resp = doChat(t, client, body, nil)
	second := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second: expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Cache"); got != xCacheHIT {
		t.Fatalf("second: expected HIT, got %q", got)
	}
	if resp.Header.Get("X-Cache-Score") == "" {
		t.Error("X-Cache-Score missing on hit")
	}
	if !bytes.Equal(first, second) {
		t.Errorf("hit body differs from original:\n  first:  %s\n  second: %s", first, second)
	}
	if upstreamCalls.Load() != 1 {
		t.Errorf("upstream should be called once, got %d", upstreamCalls.Load())
	}

	// Same prompt, different temperature: parameter scoping forces a miss.
	alt := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"What is 2+2?"}],"temperature":0.1}`)
	resp = doChat(t, client, alt, nil)
	readBody(t, resp)
	if got := resp.Header.Get("X-Cache"); got != xCacheMISS {
		t.Errorf("temperature change: expected MISS, got %q", got)
	}
}

func TestE2E_SkipCacheHeader(t *testing.T) {
	idx := cache.NewMemoryIndex(context.Background())
	defer idx.Close()
	gw, _ := newTestGateway(t, gatewayConfig{cacheIndex: idx, embedder: &fixedEmbedder{}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doChat(t, client, chatBody("gpt-4o", "ping"), map[string]string{"X-Skip-Cache": "true"})
	readBody(t, resp)
	if got := resp.Header.Get("X-Cache"); got != xCacheSKIP {
		t.Errorf("expected SKIP, got %q", got)
	}
}

// --- S6: cross-model isolation ----------------------------------------------

func TestE2E_CacheTagAttack(t *testing.T) {
	idx := cache.NewMemoryIndex(context.Background())
	defer idx.Close()
	gw, _ := newTestGateway(t, gatewayConfig{cacheIndex: idx, embedder: &fixedEmbedder{}})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	// Populate the cache for gpt-4o.
	resp := doChat(t, client, chatBody("gpt-4o", "secret prompt"), nil)
	cached := readBody(t, resp)
	deadline := time.Now().Add(2 * time.Second)
	for idx.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// The attack model string reaches the provider (prefix-routed) but must
	// never touch the gpt-4o cache entry.
	resp = doChat(t, client, chatBody("gpt-4o[x]*", "secret prompt"), nil)
	attackBody := readBody(t, resp)

	if resp.StatusCode == http.StatusOK {
		if resp.Header.Get("X-Cache") == xCacheHIT {
			t.Fatal("tag-syntax model must never produce a cache hit")
		}
		if bytes.Equal(attackBody, cached) {
			t.Fatal("attack response must not be the cached gpt-4o body")
		}
	} else if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("attack request must 400 or pass through cleanly, got %d", resp.StatusCode)
	}
}

// --- streaming ----------------------------------------------------------------

func TestE2E_Streaming(t *testing.T) {
	streaming := &funcProvider{
		name: providers.OpenAI,
		requestFn: func(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			ch := make(chan providers.StreamChunk, 4)
			go func() {
				defer close(ch)
				for _, word := range []string{"hello", " ", "world"} {
					select {
					case ch <- providers.StreamChunk{Content: word}:
					case <-ctx.Done():
						return
					}
				}
				ch <- providers.StreamChunk{FinishReason: "stop"}
			}()
			return &providers.ProxyResponse{ID: "s1", Model: req.Model, Stream: ch}, nil
		},
	}
	gw, _ := newTestGateway(t, gatewayConfig{
		provs: map[providers.Name]providers.Provider{providers.OpenAI: streaming},
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	resp := doChat(t, client, body, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type: %q", ct)
	}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}

	if len(events) < 2 {
		t.Fatalf("expected chunk events plus [DONE], got %v", events)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Errorf("stream must end with [DONE], got %q", events[len(events)-1])
	}

	var content strings.Builder
	for _, ev := range events[:len(events)-1] {
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("chunk parse: %v (%s)", err, ev)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("chunk object: %q", chunk.Object)
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
		}
	}
	if content.String() != "hello world" {
		t.Errorf("reassembled content: %q", content.String())
	}
}

// --- health/ready -----------------------------------------------------------

func TestE2E_HealthAndReady(t *testing.T) {
	gw, _ := newTestGateway(t, gatewayConfig{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, err := client.Get("http://gateway/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("health: %d %s", resp.StatusCode, body)
	}

	resp, err = client.Get("http://gateway/ready")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	body = readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready: %d %s", resp.StatusCode, body)
	}
}

// upstreamStatusErr mimics a provider error carrying an HTTP status.
type upstreamStatusErr struct{ status int }

func (e *upstreamStatusErr) Error() string   { return fmt.Sprintf("upstream status %d", e.status) }
func (e *upstreamStatusErr) HTTPStatus() int { return e.status }
