// Package cost aggregates per-provider spend from reported token usage and
// the pricing catalog.
package cost

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ringbuf"
)

const recentCapacity = 256

// Entry is one billed request.
type Entry struct {
	Provider     providers.Name `json:"provider"`
	Model        string         `json:"model"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	CostUSD      float64        `json:"cost_usd"`
	At           time.Time      `json:"at"`
}

// Snapshot is a deep copy of the tracker state for /metrics/costs.
type Snapshot struct {
	TotalUSD      float64                    `json:"total_usd"`
	ByProvider    map[providers.Name]float64 `json:"by_provider"`
	ByModel       map[string]float64         `json:"by_model"`
	RequestsTotal int64                      `json:"requests_total"`
	Recent        []Entry                    `json:"recent"`
}

// Tracker accumulates cost totals and a bounded window of recent entries.
type Tracker struct {
	mu         sync.Mutex
	totalUSD   float64
	byProvider map[providers.Name]float64
	byModel    map[string]float64
	recent     *ringbuf.Ring[Entry]

	shared *metrics.SharedCounters
}

// New creates a Tracker. shared supplies the process-wide request counter.
func New(shared *metrics.SharedCounters) *Tracker {
	return &Tracker{
		byProvider: make(map[providers.Name]float64),
		byModel:    make(map[string]float64),
		recent:     ringbuf.New[Entry](recentCapacity),
		shared:     shared,
	}
}

// Record bills one request from its reported usage. Unknown models cost zero
// but still count.
func (t *Tracker) Record(p providers.Name, model string, usage providers.Usage) {
	cost := Calculate(model, usage)

	t.mu.Lock()
	t.totalUSD += cost
	t.byProvider[p] += cost
	t.byModel[model] += cost
	t.recent.Push(Entry{
		Provider:     p,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		At:           time.Now(),
	})
	t.mu.Unlock()
}

// Snapshot deep-copies the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	byProv := make(map[providers.Name]float64, len(t.byProvider))
	for k, v := range t.byProvider {
		byProv[k] = v
	}
	byModel := make(map[string]float64, len(t.byModel))
	for k, v := range t.byModel {
		byModel[k] = v
	}

	var reqTotal int64
	if t.shared != nil {
		reqTotal = t.shared.RequestsTotal()
	}

	return Snapshot{
		TotalUSD:      t.totalUSD,
		ByProvider:    byProv,
		ByModel:       byModel,
		RequestsTotal: reqTotal,
		Recent:        t.recent.Snapshot(),
	}
}

// Calculate prices one request: tokens/1000 · per-1k rates. Models outside
// the catalog price at zero.
func Calculate(model string, usage providers.Usage) float64 {
	m, ok := providers.Catalog[model]
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1000*m.InputPer1K +
		float64(usage.OutputTokens)/1000*m.OutputPer1K
}
