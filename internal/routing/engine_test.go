package routing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

func allStates(t *testing.T, tr *latency.Tracker) ([]registry.State, *registry.Registry) {
	t.Helper()
	reg := registry.New(providers.All, registry.Config{}, tr, nil)
	return reg.States(), reg
}

func newEngine(t *testing.T, rules []Rule, tr *latency.Tracker) *Engine {
	t.Helper()
	e, err := NewEngine(rules, tr)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func rankedProviders(ranked []Ranked) map[providers.Name]bool {
	out := make(map[providers.Name]bool)
	for _, r := range ranked {
		out[r.Provider] = true
	}
	return out
}

func TestRank_AllProvidersRepresented(t *testing.T) {
	tr := latency.New(0, 0)
	states, _ := allStates(t, tr)
	e := newEngine(t, nil, tr)

	ranked := e.Rank(states, RequestMeta{Model: "gpt-4o"})
	if len(ranked) == 0 {
		t.Fatal("expected candidates")
	}

	provs := rankedProviders(ranked)
	for _, p := range providers.All {
		if !provs[p] {
			t.Errorf("provider %s missing from ranking", p)
		}
	}
}

func TestRank_RequestedProviderServesRequestedModel(t *testing.T) {
	tr := latency.New(0, 0)
	states, _ := allStates(t, tr)
	e := newEngine(t, nil, tr)

	ranked := e.Rank(states, RequestMeta{Model: "gpt-4o"})
	for _, r := range ranked {
		if r.Provider == providers.OpenAI && r.Model != "gpt-4o" {
			t.Errorf("openai candidates must carry the requested model, got %s", r.Model)
		}
	}
}

func TestRank_UnavailableProvidersFiltered(t *testing.T) {
	tr := latency.New(0, 0)
	_, reg := allStates(t, tr)

	// Trip anthropic's breaker.
	for i := 0; i < providers.ErrorThreshold; i++ {
		reg.ReportError(providers.Anthropic, "claude-sonnet-4-5", errFake)
	}

	e := newEngine(t, nil, tr)
	ranked := e.Rank(reg.States(), RequestMeta{Model: "gpt-4o"})

	if rankedProviders(ranked)[providers.Anthropic] {
		t.Error("circuit-open provider must not appear in ranking")
	}
}

func TestRank_RateLimitedProviderFiltered(t *testing.T) {
	tr := latency.New(0, 0)
	_, reg := allStates(t, tr)

	// Zero remaining with a reset in the future: filtered.
	reg.UpdateRateLimit(providers.Google, 0, time.Now().Add(time.Minute))

	e := newEngine(t, nil, tr)
	ranked := e.Rank(reg.States(), RequestMeta{Model: "gpt-4o"})
	if rankedProviders(ranked)[providers.Google] {
		t.Error("quota-exhausted provider must not appear in ranking")
	}

	// Reset in the past clears the block.
	reg.UpdateRateLimit(providers.Google, 0, time.Now().Add(-time.Minute))
	ranked = e.Rank(reg.States(), RequestMeta{Model: "gpt-4o"})
	if !rankedProviders(ranked)[providers.Google] {
		t.Error("an elapsed reset should readmit the provider")
	}
}

func TestRank_CapabilityFilter(t *testing.T) {
	tr := latency.New(0, 0)
	states, _ := allStates(t, tr)
	e := newEngine(t, nil, tr)

	ranked := e.Rank(states, RequestMeta{
		Model:                "gpt-4o",
		RequiredCapabilities: []providers.Capability{providers.CapReasoning},
	})
	for _, r := range ranked {
		if !providers.HasCapabilities(r.Model, []providers.Capability{providers.CapReasoning}) {
			t.Errorf("candidate %s/%s lacks required capability", r.Provider, r.Model)
		}
	}
}

func TestRank_LatencyDrivesOrder(t *testing.T) {
	tr := latency.New(10, 0.3)
	// Google is consistently fast, openai slow, anthropic unmeasured (500ms default).
	for i := 0; i < 5; i++ {
		tr.Record(providers.Google, "gemini-2.5-flash", 50, 50, true)
		tr.Record(providers.OpenAI, "gpt-4o", 2000, 2000, true)
	}
	states, _ := allStates(t, tr)
	e := newEngine(t, nil, tr)

	ranked := e.Rank(states, RequestMeta{Model: "gemini-2.5-flash", Hints: Hints{Strategy: StrategyLatency}})
	if len(ranked) == 0 {
		t.Fatal("expected candidates")
	}
	if ranked[0].Provider != providers.Google {
		t.Errorf("latency strategy should rank the fast provider first, got %s", ranked[0].Provider)
	}
}

func TestRank_CostStrategyPrefersCheapModels(t *testing.T) {
	tr := latency.New(0, 0)
	states, _ := allStates(t, tr)
	e := newEngine(t, nil, tr)

	ranked := e.Rank(states, RequestMeta{Model: "unknown-model-family", Hints: Hints{Strategy: StrategyCost}})
	if len(ranked) < 2 {
		t.Fatal("expected multiple candidates")
	}

	top := providers.Catalog[ranked[0].Model]
	bottom := providers.Catalog[ranked[len(ranked)-1].Model]
	if top.AvgPer1K() > bottom.AvgPer1K() {
		t.Errorf("cost strategy ranked %s (%.5f) above %s (%.5f)",
			ranked[0].Model, top.AvgPer1K(), ranked[len(ranked)-1].Model, bottom.AvgPer1K())
	}
}

func TestRank_ExclusionAppliesOnlyWhenRelevant(t *testing.T) {
	tr := latency.New(0, 0)
	rules := []Rule{{
		ID:               "cheap-only",
		Priority:         10,
		Condition:        Condition{Kind: CondCost, MaxCostPer1K: 1.0}, // matches everyone
		ExcludeProviders: []providers.Name{providers.Anthropic},
	}}
	states, _ := allStates(t, tr)
	e := newEngine(t, rules, tr)

	// No cost hint: the cost rule is irrelevant, nothing excluded.
	ranked := e.Rank(states, RequestMeta{Model: "gpt-4o"})
	if !rankedProviders(ranked)[providers.Anthropic] {
		t.Error("irrelevant rule must not exclude providers")
	}

	// Cost strategy makes the rule relevant.
	ranked = e.Rank(states, RequestMeta{Model: "gpt-4o", Hints: Hints{Strategy: StrategyCost}})
	if rankedProviders(ranked)[providers.Anthropic] {
		t.Error("relevant matched rule should exclude anthropic")
	}
}

func TestRank_PreferenceBoost(t *testing.T) {
	tr := latency.New(0, 0)
	rules := []Rule{{
		ID:              "prefer-google",
		Priority:        20,
		Condition:       Condition{Kind: CondCost, MaxCostPer1K: 1.0},
		PreferProviders: []providers.Name{providers.Google},
	}}
	states, _ := allStates(t, tr)
	e := newEngine(t, rules, tr)

	ranked := e.Rank(states, RequestMeta{Model: "unknown-model-family"})
	if len(ranked) == 0 {
		t.Fatal("expected candidates")
	}
	// priority 20 · 0.05 = 1.0 boost: google must dominate.
	if ranked[0].Provider != providers.Google {
		t.Errorf("preference boost should put google first, got %s", ranked[0].Provider)
	}
	found := false
	for _, id := range ranked[0].MatchedRules {
		if id == "prefer-google" {
			found = true
		}
	}
	if !found {
		t.Error("matched rule ids should include prefer-google")
	}
}

func TestRank_HintPreferProvider(t *testing.T) {
	tr := latency.New(0, 0)
	states, _ := allStates(t, tr)
	e := newEngine(t, nil, tr)

	ranked := e.Rank(states, RequestMeta{
		Model: "unknown-model-family",
		Hints: Hints{PreferProvider: providers.Anthropic},
	})
	if len(ranked) == 0 {
		t.Fatal("expected candidates")
	}
	if ranked[0].Provider != providers.Anthropic {
		t.Errorf("prefer-provider hint should rank anthropic first, got %s", ranked[0].Provider)
	}
}

func TestRank_EqualScoresOrderByEma(t *testing.T) {
	// Exact score ties are hard to construct from the catalog, so check the
	// tiebreak law over the whole ranking with distinct EMAs (openai 300,
	// anthropic 100, google unmeasured at the 500ms default).
	tr := latency.New(10, 0.3)
	tr.Record(providers.OpenAI, "gpt-4o", 300, 300, true)
	tr.Record(providers.Anthropic, "claude-sonnet-4-5", 100, 100, true)
	states, _ := allStates(t, tr)
	e := newEngine(t, nil, tr)

	ranked := e.Rank(states, RequestMeta{Model: "unknown-model-family"})
	pos := map[providers.Name]int{}
	for i, r := range ranked {
		if _, ok := pos[r.Provider]; !ok {
			pos[r.Provider] = i
		}
	}

	// Verify the sort is stable with respect to score: for any adjacent pair
	// with equal scores, EMA must be non-decreasing.
	emaOf := func(p providers.Name) float64 {
		if ema, ok := tr.EMA(p); ok {
			return ema
		}
		return defaultLatencyMs
	}
	for i := 1; i < len(ranked); i++ {
		a, b := ranked[i-1], ranked[i]
		if a.Score == b.Score && emaOf(a.Provider) > emaOf(b.Provider) {
			t.Errorf("equal scores must order by EMA ascending: %s(%v) before %s(%v)",
				a.Provider, emaOf(a.Provider), b.Provider, emaOf(b.Provider))
		}
	}
}

func TestRank_LatencyRuleUnknownFailsConservative(t *testing.T) {
	tr := latency.New(0, 0)
	rules := []Rule{{
		ID:        "fast-only",
		Priority:  5,
		Condition: Condition{Kind: CondLatency, MaxLatencyMs: 1000},
	}}
	states, _ := allStates(t, tr)
	e := newEngine(t, rules, tr)

	ranked := e.Rank(states, RequestMeta{Model: "gpt-4o"})
	for _, r := range ranked {
		for _, id := range r.MatchedRules {
			if id == "fast-only" {
				t.Errorf("latency rule must not match a provider with no samples: %s", r.Provider)
			}
		}
	}
}

func TestRank_StreamRequiresStreamingCapability(t *testing.T) {
	tr := latency.New(0, 0)
	states, _ := allStates(t, tr)
	e := newEngine(t, nil, tr)

	ranked := e.Rank(states, RequestMeta{Model: "gpt-4o", Stream: true})
	if len(ranked) == 0 {
		t.Fatal("every cataloged model streams; expected candidates")
	}
	for _, r := range ranked {
		if !providers.HasCapabilities(r.Model, []providers.Capability{providers.CapStreaming}) {
			t.Errorf("stream=true candidate %s lacks streaming", r.Model)
		}
	}
}

func TestNewEngine_RejectsInvalidRules(t *testing.T) {
	tr := latency.New(0, 0)
	bad := []Rule{{ID: "broken", Condition: Condition{Kind: CondCost}}}
	if _, err := NewEngine(bad, tr); err == nil {
		t.Error("expected validation error for cost rule without threshold")
	}
	bad = []Rule{{ID: "broken", Condition: Condition{Kind: "wat"}}}
	if _, err := NewEngine(bad, tr); err == nil {
		t.Error("expected validation error for unknown condition kind")
	}
}

func TestParseStrategy(t *testing.T) {
	if s, ok := ParseStrategy(""); !ok || s != StrategyBalanced {
		t.Errorf("empty strategy should default to balanced, got %v/%v", s, ok)
	}
	if _, ok := ParseStrategy("fastest"); ok {
		t.Error("unknown strategy must be rejected")
	}
}

func TestRanked_JSONRoundTrip(t *testing.T) {
	in := Ranked{
		Provider:     providers.Anthropic,
		Model:        "claude-sonnet-4-5",
		Score:        0.8125,
		MatchedRules: []string{"cheap-only", "prefer-google"},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Ranked
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Provider != in.Provider || out.Model != in.Model || out.Score != in.Score ||
		len(out.MatchedRules) != 2 || out.MatchedRules[0] != "cheap-only" {
		t.Errorf("round-trip mismatch:\n  in:  %+v\n  out: %+v", in, out)
	}
}
