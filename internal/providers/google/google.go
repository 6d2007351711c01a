// Package google adapts the official Google GenAI SDK (Gemini API backend)
// to the gateway's Provider interface.
package google

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider calls the Gemini generateContent and embedContent APIs.
type Provider struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint (local mocks, tests). The URL may
// carry a trailing API-version segment, e.g. "http://127.0.0.1:9999/v1beta".
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Provider. The configured key is the only credential ever sent
// upstream; client-supplied keys are never forwarded. Returns nil when the
// SDK client cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) *Provider {
	if ctx == nil {
		panic("google: context must not be nil")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	base, version := splitVersion(p.baseURL)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.ProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: version},
	})
	if err != nil {
		return nil
	}
	p.client = client

	return p
}

func (p *Provider) Name() providers.Name { return providers.Google }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Request dispatches one generateContent call, buffered or streamed.
func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if p.apiKey == "" || p.client == nil {
		return nil, providers.ErrNoAPIKey
	}
	if len(req.Messages) == 0 {
		return nil, providers.ErrNoMessages
	}

	contents, cfg := generateArgs(req)
	if req.Stream {
		return p.stream(ctx, req, contents, cfg)
	}
	return p.complete(ctx, req, contents, cfg)
}

// generateArgs maps the normalized request onto the GenAI call shape. System
// turns become the out-of-band system instruction; assistant turns map to the
// "model" role.
func generateArgs(req *providers.ProxyRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := providers.SplitSystemPrompt(req.Messages)

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		var role genai.Role = genai.RoleUser
		if r := strings.ToLower(m.Role); r == "assistant" || r == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}

	return contents, cfg
}

func (p *Provider) complete(
	ctx context.Context,
	req *providers.ProxyRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ProxyResponse, error) {
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, wrapErr(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := &providers.ProxyResponse{ID: id, Model: req.Model}
	if resp != nil {
		out.Content = resp.Text()
		if resp.UsageMetadata != nil {
			out.Usage = providers.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	return out, nil
}

// stream pumps candidate text from the generateContentStream iterator onto
// the response channel. The channel closes when the stream drains or ctx
// cancels. A mid-stream upstream failure closes with finish reason "error";
// the error text stays out of the stream body so it can never reach clients.
func (p *Provider) stream(
	ctx context.Context,
	req *providers.ProxyRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					ch <- providers.StreamChunk{FinishReason: "error"}
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			chunk := providers.StreamChunk{
				Content:      candidateText(c),
				FinishReason: string(c.FinishReason),
			}
			if chunk.Content == "" && chunk.FinishReason == "" {
				continue
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &providers.ProxyResponse{ID: req.RequestID, Model: req.Model, Stream: ch}, nil
}

// Embed implements providers.EmbeddingProvider. All inputs go out in a single
// batched embedContent call.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if p.apiKey == "" || p.client == nil {
		return nil, providers.ErrNoAPIKey
	}

	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := p.client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, wrapErr(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("google: embed: empty response")
	}

	data := make([]providers.EmbeddingData, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = providers.EmbeddingData{Index: i, Embedding: emb.Values}
	}

	return &providers.EmbeddingResponse{Model: req.Model, Data: data}, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

var versionSegment = regexp.MustCompile(`^v\d+(alpha|beta)?\d*$`)

// splitVersion separates a trailing API-version path segment from the base
// URL, since the SDK takes them as two distinct options.
func splitVersion(raw string) (base string, version string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segs[len(segs)-1]
	if last != "" && versionSegment.MatchString(last) {
		version = last
		segs = segs[:len(segs)-1]
	}

	u.Path = strings.Join(segs, "/")
	if u.Path != "" {
		u.Path = "/" + u.Path
	}
	base = u.String()
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base, version
}

// wrapErr normalizes SDK errors into the shared UpstreamError shape.
// Transport errors (no HTTP status) pass through so the retry classifier can
// apply its network-error rules.
func wrapErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.Upstream(providers.Google, apiErr.Code, apiErr.Message)
	}
	return err
}
