// Package routing ranks (provider, model) candidates for each request.
//
// The engine consumes immutable registry snapshots, evaluates the configured
// rule set against every candidate, and returns a ranked list. The selector
// on top drives probe claims and hands the ranked order to the fallback
// handler.
package routing

import (
	"github.com/nulpointcorp/llm-router/internal/providers"
)

// Strategy selects the scoring weights. It mirrors the x-routing-strategy
// wire enum.
type Strategy string

const (
	StrategyBalanced   Strategy = "balanced"
	StrategyCost       Strategy = "cost"
	StrategyLatency    Strategy = "latency"
	StrategyCapability Strategy = "capability"
)

// ParseStrategy validates a wire value, defaulting to balanced for "".
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case "":
		return StrategyBalanced, true
	case StrategyBalanced, StrategyCost, StrategyLatency, StrategyCapability:
		return Strategy(s), true
	}
	return "", false
}

// weights are the scoring coefficients for one strategy.
type weights struct {
	cost       float64
	latency    float64
	capability float64
}

// weightsFor dispatches the strategy sum type to its scoring profile.
// Balanced favors latency: it dominates perceived quality for interactive
// calls, while cost and capability share the remainder equally.
func weightsFor(s Strategy) weights {
	switch s {
	case StrategyCost:
		return weights{cost: 0.7, latency: 0.2, capability: 0.1}
	case StrategyLatency:
		return weights{cost: 0.1, latency: 0.8, capability: 0.1}
	case StrategyCapability:
		return weights{cost: 0.15, latency: 0.25, capability: 0.6}
	default:
		return weights{cost: 0.3, latency: 0.4, capability: 0.3}
	}
}

// Hints carry the per-request routing overrides from x-routing-* headers.
type Hints struct {
	Strategy       Strategy
	PreferProvider providers.Name // empty = no preference
	MaxLatencyMs   int64          // 0 = unset
	MaxCostPer1K   float64        // 0 = unset
}

// RequestMeta is the routing view of one validated request.
type RequestMeta struct {
	Model                string
	EstimatedInputTokens int
	MaxTokens            int
	Stream               bool
	RequiredCapabilities []providers.Capability
	Hints                Hints
}

// Ranked is one scored candidate. Higher score ranks first.
type Ranked struct {
	Provider     providers.Name `json:"provider"`
	Model        string         `json:"model"`
	Score        float64        `json:"score"`
	MatchedRules []string       `json:"matched_rules,omitempty"`
}
