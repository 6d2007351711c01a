// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Google).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider.
package providers

import (
	"context"
	"fmt"
	"time"
)

// Name identifies one of the supported upstream providers. The set is closed:
// routing, registry, and rate-limit state are all keyed by it.
type Name string

const (
	OpenAI    Name = "openai"
	Anthropic Name = "anthropic"
	Google    Name = "google"
)

// All lists every supported provider in default failover order.
var All = []Name{OpenAI, Anthropic, Google}

// ParseName converts s into a Name. Returns an error for anything outside the
// closed enumeration.
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case OpenAI, Anthropic, Google:
		return Name(s), nil
	}
	return "", fmt.Errorf("providers: unknown provider %q", s)
}

func (n Name) String() string { return string(n) }

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// ProxyRequest — normalized client request.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		TopP        float64
		MaxTokens   int
		Stop        []string
		RequestID   string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model     string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider — LLM provider interface.
type Provider interface {
	Name() Name
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status. The retry and terminal-error layers classify on it.
type StatusCoder interface {
	HTTPStatus() int
}

// Default resiliency constants.
const (
	ErrorThreshold  = 5
	BreakerCooldown = 30 * time.Second
	MaxRetries      = 2
	ProviderTimeout = 30 * time.Second
)
