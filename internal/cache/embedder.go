package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/retry"
)

const (
	// embedTimeout bounds one embedding API call.
	embedTimeout = 10 * time.Second

	// embedRetries is the small retry budget for transient embedding
	// failures. Exhausting it falls through as a cache miss.
	embedRetries = 2

	embedBackoffBase = 200 * time.Millisecond
	embedBackoffMax  = time.Second
)

// Embedder produces a dense vector for one text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProviderEmbedder generates embeddings via an upstream embedding API,
// wrapping each call with a timeout and retrying 429/5xx responses.
type ProviderEmbedder struct {
	provider providers.EmbeddingProvider
	model    string
	timeout  time.Duration
}

// NewProviderEmbedder wraps provider. model is the embedding model name, e.g.
// "text-embedding-3-small".
func NewProviderEmbedder(provider providers.EmbeddingProvider, model string) *ProviderEmbedder {
	return &ProviderEmbedder{provider: provider, model: model, timeout: embedTimeout}
}

// Embed returns the embedding vector for text.
func (e *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= embedRetries; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, retry.Backoff(attempt-1, embedBackoffBase, embedBackoffMax)); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.provider.Embed(callCtx, &providers.EmbeddingRequest{
			Input: []string{text},
			Model: e.model,
		})
		cancel()

		if err == nil {
			if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
				return nil, errors.New("cache: empty embedding response")
			}
			return resp.Data[0].Embedding, nil
		}

		lastErr = err
		if !transientEmbedErr(err) {
			break
		}
	}

	return nil, fmt.Errorf("cache: embed: %w", lastErr)
}

// transientEmbedErr retries 429/5xx and timeouts; 4xx config errors are
// deterministic and fail immediately.
func transientEmbedErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status == 429 || status >= 500
	}
	return false
}
