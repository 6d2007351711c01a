package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// wireRequest is the slice of the Messages API body these tests inspect.
type wireRequest struct {
	Model  string `json:"model"`
	System []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   *float64 `json:"temperature"`
	TopP          *float64 `json:"top_p"`
	StopSequences []string `json:"stop_sequences"`
}

func messageBody(text string) map[string]any {
	return map[string]any{
		"id":    "msg_01",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-sonnet-4-5",
		"content": []any{
			map[string]any{"type": "text", "text": text},
		},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 12, "output_tokens": 7},
	}
}

func errorBody(errType, msg string) map[string]any {
	return map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": msg},
	}
}

func serveJSON(t *testing.T, capture *wireRequest, status int, body map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func baseRequest() *providers.ProxyRequest {
	return &providers.ProxyRequest{
		Model:     "claude-sonnet-4-5",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestProvider_Name(t *testing.T) {
	if got := New("key").Name(); got != providers.Anthropic {
		t.Fatalf("expected providers.Anthropic, got %q", got)
	}
}

func TestRequest_Success(t *testing.T) {
	srv := serveJSON(t, nil, http.StatusOK, messageBody("Hello, world!"))
	defer srv.Close()

	p := New("mock-api-key", WithBaseURL(srv.URL))
	resp, err := p.Request(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if resp.Content != "Hello, world!" {
		t.Errorf("content: %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage: %+v", resp.Usage)
	}
	if resp.ID != "msg_01" {
		t.Errorf("id: %q", resp.ID)
	}
}

func TestRequest_SendsOnlyConfiguredKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "mock-api-key" {
			t.Errorf("expected the configured key, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageBody("ok"))
	}))
	defer srv.Close()

	p := New("mock-api-key", WithBaseURL(srv.URL))
	if _, err := p.Request(context.Background(), baseRequest()); err != nil {
		t.Fatalf("Request: %v", err)
	}
}

func TestRequest_SystemTurnsMoveOutOfBand(t *testing.T) {
	var captured wireRequest
	srv := serveJSON(t, &captured, http.StatusOK, messageBody("ok"))
	defer srv.Close()

	req := baseRequest()
	req.Messages = []providers.Message{
		{Role: "system", Content: "be terse"},
		{Role: "system", Content: "answer in English"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}

	p := New("mock-api-key", WithBaseURL(srv.URL))
	if _, err := p.Request(context.Background(), req); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if len(captured.System) != 1 || captured.System[0].Text != "be terse\nanswer in English" {
		t.Errorf("system prompt not joined out of band: %+v", captured.System)
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("system turns must not remain in messages, got %d turns", len(captured.Messages))
	}
	if captured.Messages[0].Role != "user" || captured.Messages[1].Role != "assistant" {
		t.Errorf("roles: %+v", captured.Messages)
	}
}

func TestRequest_WiresSamplingParams(t *testing.T) {
	var captured wireRequest
	srv := serveJSON(t, &captured, http.StatusOK, messageBody("ok"))
	defer srv.Close()

	req := baseRequest()
	req.Temperature = 0.4
	req.TopP = 0.85
	req.MaxTokens = 512
	req.Stop = []string{"\n\n"}

	p := New("mock-api-key", WithBaseURL(srv.URL))
	if _, err := p.Request(context.Background(), req); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if captured.Temperature == nil || *captured.Temperature != 0.4 {
		t.Errorf("temperature: %v", captured.Temperature)
	}
	if captured.TopP == nil || *captured.TopP != 0.85 {
		t.Errorf("top_p: %v", captured.TopP)
	}
	if captured.MaxTokens != 512 {
		t.Errorf("max_tokens: %d", captured.MaxTokens)
	}
	if len(captured.StopSequences) != 1 || captured.StopSequences[0] != "\n\n" {
		t.Errorf("stop_sequences: %v", captured.StopSequences)
	}
}

func TestRequest_MaxTokensDefault(t *testing.T) {
	var captured wireRequest
	srv := serveJSON(t, &captured, http.StatusOK, messageBody("ok"))
	defer srv.Close()

	p := New("mock-api-key", WithBaseURL(srv.URL))
	if _, err := p.Request(context.Background(), baseRequest()); err != nil {
		t.Fatalf("Request: %v", err)
	}

	// max_tokens is mandatory on this API; unset falls back to the default.
	if captured.MaxTokens != defaultMaxTokens {
		t.Errorf("expected default max_tokens %d, got %d", defaultMaxTokens, captured.MaxTokens)
	}
}

func TestRequest_EmptyMessagesRejectedLocally(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := New("mock-api-key", WithBaseURL(srv.URL))
	_, err := p.Request(context.Background(), &providers.ProxyRequest{Model: "claude-sonnet-4-5"})
	if !errors.Is(err, providers.ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
	if hits.Load() != 0 {
		t.Error("invalid requests must not reach upstream")
	}
}

func TestRequest_NoAPIKey(t *testing.T) {
	p := New("")
	if _, err := p.Request(context.Background(), baseRequest()); !errors.Is(err, providers.ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestRequest_UpstreamErrors(t *testing.T) {
	cases := []struct {
		status  int
		errType string
	}{
		{429, "rate_limit_error"},
		{503, "overloaded_error"},
		{529, "overloaded_error"},
	}
	for _, c := range cases {
		srv := serveJSON(t, nil, c.status, errorBody(c.errType, "upstream unhappy"))

		p := New("mock-api-key", WithBaseURL(srv.URL))
		_, err := p.Request(context.Background(), baseRequest())
		srv.Close()

		var ue *providers.UpstreamError
		if !errors.As(err, &ue) {
			t.Fatalf("status %d: expected UpstreamError, got %T: %v", c.status, err, err)
		}
		if ue.Provider != providers.Anthropic {
			t.Errorf("status %d: provider %q", c.status, ue.Provider)
		}
		if ue.HTTPStatus() != c.status {
			t.Errorf("expected HTTPStatus %d, got %d", c.status, ue.HTTPStatus())
		}
		if ue.Message == "" {
			t.Errorf("status %d: message should carry upstream detail for logs", c.status)
		}
	}
}
