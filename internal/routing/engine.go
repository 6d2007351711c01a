package routing

import (
	"sort"
	"time"

	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

// defaultLatencyMs substitutes for providers with no observed latency when
// scoring. Pessimistic enough that a measured fast provider wins.
const defaultLatencyMs = 500

// preferBoostPerPriority scales the per-rule preference boost.
const preferBoostPerPriority = 0.05

// hintPreferBoost is added when the request's x-routing-prefer-provider hint
// names the candidate's provider.
const hintPreferBoost = 0.1

// Engine ranks candidates for one request from a registry snapshot.
type Engine struct {
	rules   []Rule
	tracker *latency.Tracker

	now func() time.Time // test hook
}

// NewEngine creates an Engine. Rules are sorted by descending priority once.
func NewEngine(rules []Rule, tracker *latency.Tracker) (*Engine, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	return &Engine{rules: sorted, tracker: tracker, now: time.Now}, nil
}

// Rank runs the full pipeline: filter providers, build candidates, match
// rules, apply exclusions, score, and sort. The returned slice is ordered
// best-first; equal scores order by EMA ascending.
func (e *Engine) Rank(states []registry.State, meta RequestMeta) []Ranked {
	usable := e.filterStates(states)
	if len(usable) == 0 {
		return nil
	}

	cands := e.buildCandidates(usable, meta)
	if len(cands) == 0 {
		return nil
	}

	statsByProv := make(map[providers.Name]latency.Stats, len(usable))
	for _, s := range usable {
		statsByProv[s.Provider] = s.Latency
	}

	for i := range cands {
		for _, r := range e.rules {
			if evalCondition(r.Condition, cands[i], statsByProv[cands[i].provider]) {
				cands[i].matched = append(cands[i].matched, r.ID)
			}
		}
	}

	cands = e.applyExclusions(cands, meta)
	if len(cands) == 0 {
		return nil
	}

	return e.score(cands, statsByProv, meta)
}

// filterStates keeps providers that are available and not known to be out of
// upstream quota (a reset timestamp in the past clears a zero remaining).
func (e *Engine) filterStates(states []registry.State) []registry.State {
	now := e.now()
	out := make([]registry.State, 0, len(states))
	for _, s := range states {
		if !s.Available {
			continue
		}
		if s.RateLimitRemaining <= 0 && !s.RateLimitResetAt.Before(now) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// buildCandidates expands usable providers into (provider, model) pairs from
// the catalog, keeping only models that satisfy the required capabilities
// (plus streaming when the request streams). When the requested model is
// cataloged, its own provider contributes exactly that model — the gateway
// never silently swaps models within the requested provider.
func (e *Engine) buildCandidates(states []registry.State, meta RequestMeta) []candidate {
	required := meta.RequiredCapabilities
	if meta.Stream {
		required = append(append([]providers.Capability{}, required...), providers.CapStreaming)
	}

	requestedProv, requestedKnown := providers.ProviderForModel(meta.Model)
	_, requestedCataloged := providers.Catalog[meta.Model]

	var out []candidate
	for _, s := range states {
		for _, m := range providers.ModelsFor(s.Provider) {
			if requestedKnown && requestedCataloged && s.Provider == requestedProv && m.Model != meta.Model {
				continue
			}
			if !providers.HasCapabilities(m.Model, required) {
				continue
			}
			out = append(out, candidate{provider: s.Provider, pricing: m})
		}
	}
	return out
}

// applyExclusions drops candidates excluded by any matched, relevant rule.
func (e *Engine) applyExclusions(cands []candidate, meta RequestMeta) []candidate {
	excluded := make(map[providers.Name]struct{})
	for _, c := range cands {
		for _, id := range c.matched {
			r, ok := e.ruleByID(id)
			if !ok || !relevant(r, meta) {
				continue
			}
			for _, p := range r.ExcludeProviders {
				excluded[p] = struct{}{}
			}
		}
	}
	if len(excluded) == 0 {
		return cands
	}

	out := cands[:0]
	for _, c := range cands {
		if _, drop := excluded[c.provider]; !drop {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) ruleByID(id string) (Rule, bool) {
	for _, r := range e.rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// score computes the composite score for every candidate and sorts.
func (e *Engine) score(cands []candidate, statsByProv map[providers.Name]latency.Stats, meta RequestMeta) []Ranked {
	w := weightsFor(meta.Hints.Strategy)

	costs := make([]float64, len(cands))
	lats := make([]float64, len(cands))
	emas := make([]float64, len(cands))
	for i, c := range cands {
		costs[i] = c.pricing.AvgPer1K()

		stats := statsByProv[c.provider]
		if stats.SampleCount > 0 {
			lats[i] = stats.EmaMs
			emas[i] = stats.EmaMs
		} else {
			lats[i] = defaultLatencyMs
			emas[i] = defaultLatencyMs
		}
	}

	normCost := normalize(costs)
	normLat := normalize(lats)

	out := make([]Ranked, len(cands))
	for i, c := range cands {
		costScore := 1 - normCost[i]
		latencyScore := 1 - normLat[i]
		capScore := capabilityScore(c.pricing.Model, meta.RequiredCapabilities)

		score := w.cost*costScore + w.latency*latencyScore + w.capability*capScore
		score += e.preferenceBoost(c)
		if meta.Hints.PreferProvider != "" && c.provider == meta.Hints.PreferProvider {
			score += hintPreferBoost
		}

		out[i] = Ranked{
			Provider:     c.provider,
			Model:        c.pricing.Model,
			Score:        score,
			MatchedRules: c.matched,
		}
	}

	// Descending by score; ties break by EMA ascending so the historically
	// faster provider wins, then by name for determinism.
	emaByIdx := make(map[int]float64, len(out))
	idx := make([]int, len(out))
	for i := range out {
		emaByIdx[i] = emas[i]
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := out[idx[a]], out[idx[b]]
		if ra.Score != rb.Score {
			return ra.Score > rb.Score
		}
		if emaByIdx[idx[a]] != emaByIdx[idx[b]] {
			return emaByIdx[idx[a]] < emaByIdx[idx[b]]
		}
		if ra.Provider != rb.Provider {
			return ra.Provider < rb.Provider
		}
		return ra.Model < rb.Model
	})

	sorted := make([]Ranked, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted
}

// preferenceBoost sums priority·0.05 over matched rules that prefer this
// candidate's provider, so high-priority preferences dominate numerically
// close scores.
func (e *Engine) preferenceBoost(c candidate) float64 {
	boost := 0.0
	for _, id := range c.matched {
		r, ok := e.ruleByID(id)
		if !ok {
			continue
		}
		for _, p := range r.PreferProviders {
			if p == c.provider {
				boost += float64(r.Priority) * preferBoostPerPriority
				break
			}
		}
	}
	return boost
}

// capabilityScore is matched/required when the request names capabilities,
// otherwise a breadth score capped at five capabilities.
func capabilityScore(model string, required []providers.Capability) float64 {
	caps := providers.Capabilities(model)
	if len(required) == 0 {
		score := float64(len(caps)) / 5
		if score > 1 {
			score = 1
		}
		return score
	}

	set := make(map[providers.Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	matched := 0
	for _, r := range required {
		if _, ok := set[r]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// normalize maps values onto [0,1] over the candidate set. A degenerate
// range (max == min) normalizes to 0 — a tie scores as best.
func normalize(vals []float64) []float64 {
	min, max := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	out := make([]float64, len(vals))
	if max == min {
		return out
	}
	for i, v := range vals {
		out[i] = (v - min) / (max - min)
	}
	return out
}
