package routing

import (
	"fmt"

	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

// ConditionKind discriminates the rule condition variant.
type ConditionKind string

const (
	CondCost       ConditionKind = "cost"
	CondLatency    ConditionKind = "latency"
	CondCapability ConditionKind = "capability"
)

// Condition is the tagged rule predicate. Exactly the fields of the active
// variant are meaningful.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// cost: maximum average cost per 1k tokens.
	MaxCostPer1K float64 `json:"max_cost_per_1k,omitempty"`

	// latency: maximum observed p95 in milliseconds.
	MaxLatencyMs int64 `json:"max_latency_ms,omitempty"`

	// capability: every listed capability must be supported.
	Required []providers.Capability `json:"required,omitempty"`
}

// Rule is one routing rule. Higher priority evaluates first and weighs more
// in the preference boost.
type Rule struct {
	ID               string           `json:"id"`
	Priority         int              `json:"priority"`
	Condition        Condition        `json:"condition"`
	PreferProviders  []providers.Name `json:"prefer_providers,omitempty"`
	ExcludeProviders []providers.Name `json:"exclude_providers,omitempty"`
}

// Validate rejects malformed rules at startup rather than per request.
func (r Rule) Validate() error {
	switch r.Condition.Kind {
	case CondCost:
		if r.Condition.MaxCostPer1K <= 0 {
			return fmt.Errorf("routing: rule %q: cost condition needs a positive max_cost_per_1k", r.ID)
		}
	case CondLatency:
		if r.Condition.MaxLatencyMs <= 0 {
			return fmt.Errorf("routing: rule %q: latency condition needs a positive max_latency_ms", r.ID)
		}
	case CondCapability:
		if len(r.Condition.Required) == 0 {
			return fmt.Errorf("routing: rule %q: capability condition needs at least one capability", r.ID)
		}
	default:
		return fmt.Errorf("routing: rule %q: unknown condition kind %q", r.ID, r.Condition.Kind)
	}
	return nil
}

// candidate is the engine's working view of one (provider, model) pair.
type candidate struct {
	provider providers.Name
	pricing  providers.ModelPricing
	matched  []string
}

// evalCondition is the pure predicate of one condition against a candidate.
//
//   - cost: does any model of this provider cost ≤ the threshold?
//   - latency: is the provider's observed p95 ≤ the threshold? Unknown
//     latency fails conservative.
//   - capability: does the candidate model cover the required set?
func evalCondition(cond Condition, c candidate, stats latency.Stats) bool {
	switch cond.Kind {
	case CondCost:
		for _, m := range providers.ModelsFor(c.provider) {
			if m.AvgPer1K() <= cond.MaxCostPer1K {
				return true
			}
		}
		return false

	case CondLatency:
		if stats.SampleCount == 0 {
			return false
		}
		return stats.P95Ms <= cond.MaxLatencyMs

	case CondCapability:
		return providers.HasCapabilities(c.pricing.Model, cond.Required)
	}
	return false
}

// relevant reports whether a matched rule's exclusions apply to this request.
// A cost rule matters only when the caller expressed a cost constraint, a
// latency rule only under a latency constraint; capability rules always
// apply.
func relevant(r Rule, meta RequestMeta) bool {
	switch r.Condition.Kind {
	case CondCost:
		return meta.Hints.MaxCostPer1K > 0 || meta.Hints.Strategy == StrategyCost
	case CondLatency:
		return meta.Hints.MaxLatencyMs > 0 || meta.Hints.Strategy == StrategyLatency
	case CondCapability:
		return true
	}
	return false
}
