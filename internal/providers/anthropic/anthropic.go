// Package anthropic adapts the official anthropic-sdk-go to the gateway's
// Provider interface.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"

	// defaultMaxTokens fills the mandatory max_tokens field when the client
	// leaves it unset.
	defaultMaxTokens = 4096
)

// Provider calls the Anthropic Messages API.
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
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
	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() providers.Name { return providers.Anthropic }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return p.wrapErr(err)
	}
	return nil
}

// Request dispatches one message call, buffered or streamed.
func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if p.apiKey == "" {
		return nil, providers.ErrNoAPIKey
	}
	if len(req.Messages) == 0 {
		return nil, providers.ErrNoMessages
	}

	params := p.messageParams(req)
	if req.Stream {
		return p.stream(ctx, req, params)
	}
	return p.complete(ctx, params)
}

// messageParams maps the normalized request onto the Messages API. System
// turns move into the out-of-band system field; max_tokens is mandatory on
// this API so an unset value falls back to the package default.
func (p *Provider) messageParams(req *providers.ProxyRequest) anthropic.MessageNewParams {
	system, turns := providers.SplitSystemPrompt(req.Messages)

	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		msgs = append(msgs, messageParam(m))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params
}

func messageParam(m providers.Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if strings.ToLower(m.Role) == "assistant" {
		role = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: role,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: m.Content}},
		},
	}
}

func (p *Provider) complete(ctx context.Context, params anthropic.MessageNewParams) (*providers.ProxyResponse, error) {
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapErr(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ProxyResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// stream pumps text deltas from the Messages event stream onto the response
// channel. The channel closes when the stream drains or ctx cancels. A
// mid-stream upstream failure closes with finish reason "error"; the error
// text stays out of the stream body so it can never reach clients.
func (p *Provider) stream(ctx context.Context, req *providers.ProxyRequest, params anthropic.MessageNewParams) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()
			delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}

			text := ""
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text = d.Text
			case *anthropic.TextDelta:
				text = d.Text
			}
			if text == "" {
				continue
			}

			select {
			case ch <- providers.StreamChunk{Content: text}:
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

// wrapErr normalizes SDK errors into the shared UpstreamError shape.
// Transport errors (no HTTP status) pass through so the retry classifier can
// apply its network-error rules.
func (p *Provider) wrapErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.Upstream(providers.Anthropic, apiErr.StatusCode, apiErr.Error())
	}
	return err
}
