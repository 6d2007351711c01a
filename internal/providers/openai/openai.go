// Package openai adapts the official openai-go SDK to the gateway's Provider
// interface. It also serves the embeddings API used by the semantic cache.
package openai

import (
	"context"
	"errors"
	"net/http"

	"github.com/nulpointcorp/llm-router/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider calls the OpenAI chat-completions and embeddings APIs.
type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint (local mocks, tests).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Provider. The configured key is the only credential ever sent
// upstream; client-supplied keys are never forwarded.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	// The fallback layer owns retries; the SDK's built-in retry would stack
	// a second backoff loop under it.
	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() providers.Name { return providers.OpenAI }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return p.wrapErr(err)
	}
	return nil
}

// Request dispatches one chat completion, buffered or streamed.
func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if p.apiKey == "" {
		return nil, providers.ErrNoAPIKey
	}
	if len(req.Messages) == 0 {
		return nil, providers.ErrNoMessages
	}

	params := p.chatParams(req)
	if req.Stream {
		return p.stream(ctx, req, params)
	}
	return p.complete(ctx, params)
}

// chatParams maps the normalized request onto SDK params. Zero-valued
// optional fields are omitted so the upstream defaults apply.
func (p *Provider) chatParams(req *providers.ProxyRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	return params
}

func chatMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch m.Role {
	case "system":
		return openaiSDK.SystemMessage(m.Content)
	case "assistant":
		return openaiSDK.AssistantMessage(m.Content)
	default:
		return openaiSDK.UserMessage(m.Content)
	}
}

func (p *Provider) complete(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.ProxyResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapErr(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.ProxyResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// stream starts the upstream SSE stream and pumps chunks onto the response
// channel. The channel closes when the stream drains or ctx cancels. A
// mid-stream upstream failure closes with finish reason "error"; the error
// text stays out of the stream body so it can never reach clients.
func (p *Provider) stream(ctx context.Context, req *providers.ProxyRequest, params openaiSDK.ChatCompletionNewParams) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			select {
			case ch <- providers.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- providers.StreamChunk{FinishReason: "error"}
		}
	}()

	return &providers.ProxyResponse{ID: req.RequestID, Model: req.Model, Stream: ch}, nil
}

// Embed implements providers.EmbeddingProvider for the semantic cache.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if p.apiKey == "" {
		return nil, providers.ErrNoAPIKey
	}

	resp, err := p.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	})
	if err != nil {
		return nil, p.wrapErr(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{Index: int(d.Index), Embedding: vec}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

// wrapErr normalizes SDK errors into the shared UpstreamError shape.
// Transport errors (no HTTP status) pass through so the retry classifier can
// apply its network-error rules.
func (p *Provider) wrapErr(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return providers.Upstream(providers.OpenAI, apiErr.StatusCode, apiErr.Error())
	}
	return err
}
