package providers

import "strings"

// Capability tags a feature a model supports. Routing filters candidates on
// the set of capabilities the request requires.
type Capability string

const (
	CapStreaming   Capability = "streaming"
	CapVision      Capability = "vision"
	CapTools       Capability = "tools"
	CapJSONMode    Capability = "json_mode"
	CapLongContext Capability = "long_context"
	CapReasoning   Capability = "reasoning"
)

// ModelPricing holds per-model cost data in USD per 1000 tokens.
type ModelPricing struct {
	Model       string  `json:"model"`
	Provider    Name    `json:"provider"`
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// AvgPer1K is the cost metric used by cost rules and the balanced scorer.
func (m ModelPricing) AvgPer1K() float64 {
	return (m.InputPer1K + m.OutputPer1K) / 2
}

// Catalog is the static model table: pricing plus capability sets. Entries are
// keyed by model ID; model IDs are unique across providers.
var Catalog = map[string]ModelPricing{
	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4o":        {Model: "gpt-4o", Provider: OpenAI, InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {Model: "gpt-4o-mini", Provider: OpenAI, InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4.1":       {Model: "gpt-4.1", Provider: OpenAI, InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini":  {Model: "gpt-4.1-mini", Provider: OpenAI, InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"o3-mini":       {Model: "o3-mini", Provider: OpenAI, InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"gpt-3.5-turbo": {Model: "gpt-3.5-turbo", Provider: OpenAI, InputPer1K: 0.0005, OutputPer1K: 0.0015},

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-sonnet-4-5": {Model: "claude-sonnet-4-5", Provider: Anthropic, InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku-4-5":  {Model: "claude-haiku-4-5", Provider: Anthropic, InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-opus-4-5":   {Model: "claude-opus-4-5", Provider: Anthropic, InputPer1K: 0.005, OutputPer1K: 0.025},
	"claude-3-5-haiku":  {Model: "claude-3-5-haiku", Provider: Anthropic, InputPer1K: 0.0008, OutputPer1K: 0.004},

	// ─── Google ───────────────────────────────────────────────────────────────
	"gemini-2.5-pro":   {Model: "gemini-2.5-pro", Provider: Google, InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash": {Model: "gemini-2.5-flash", Provider: Google, InputPer1K: 0.0003, OutputPer1K: 0.0025},
	"gemini-2.0-flash": {Model: "gemini-2.0-flash", Provider: Google, InputPer1K: 0.0001, OutputPer1K: 0.0004},
}

// ModelCapabilities maps model IDs to the capabilities they support.
// Every cataloged model supports streaming.
var ModelCapabilities = map[string][]Capability{
	"gpt-4o":        {CapStreaming, CapVision, CapTools, CapJSONMode},
	"gpt-4o-mini":   {CapStreaming, CapVision, CapTools, CapJSONMode},
	"gpt-4.1":       {CapStreaming, CapVision, CapTools, CapJSONMode, CapLongContext},
	"gpt-4.1-mini":  {CapStreaming, CapTools, CapJSONMode, CapLongContext},
	"o3-mini":       {CapStreaming, CapTools, CapReasoning},
	"gpt-3.5-turbo": {CapStreaming, CapTools},

	"claude-sonnet-4-5": {CapStreaming, CapVision, CapTools, CapLongContext, CapReasoning},
	"claude-haiku-4-5":  {CapStreaming, CapVision, CapTools, CapLongContext},
	"claude-opus-4-5":   {CapStreaming, CapVision, CapTools, CapLongContext, CapReasoning},
	"claude-3-5-haiku":  {CapStreaming, CapTools},

	"gemini-2.5-pro":   {CapStreaming, CapVision, CapTools, CapJSONMode, CapLongContext, CapReasoning},
	"gemini-2.5-flash": {CapStreaming, CapVision, CapTools, CapJSONMode, CapLongContext},
	"gemini-2.0-flash": {CapStreaming, CapVision, CapTools, CapJSONMode},
}

// EmbeddingModelAliases maps embedding model names to provider names.
var EmbeddingModelAliases = map[string]Name{
	"text-embedding-3-small": OpenAI,
	"text-embedding-3-large": OpenAI,
	"text-embedding-ada-002": OpenAI,
}

// ModelsFor returns all cataloged models served by the given provider.
func ModelsFor(p Name) []ModelPricing {
	out := make([]ModelPricing, 0, 4)
	for _, m := range Catalog {
		if m.Provider == p {
			out = append(out, m)
		}
	}
	return out
}

// Capabilities returns the capability set for a model, nil when unknown.
func Capabilities(model string) []Capability {
	return ModelCapabilities[model]
}

// HasCapabilities reports whether the model's capability set covers all of
// required.
func HasCapabilities(model string, required []Capability) bool {
	caps := ModelCapabilities[model]
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// ProviderForModel resolves the provider serving the given model. Cataloged
// models resolve exactly; otherwise a prefix heuristic covers dated or preview
// variants of known families. The second return is false for models no
// provider serves.
func ProviderForModel(model string) (Name, bool) {
	if m, ok := Catalog[model]; ok {
		return m.Provider, true
	}
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"),
		strings.HasPrefix(model, "chatgpt-"):
		return OpenAI, true
	case strings.HasPrefix(model, "claude-"):
		return Anthropic, true
	case strings.HasPrefix(model, "gemini-"), strings.HasPrefix(model, "gemma-"):
		return Google, true
	}
	return "", false
}
