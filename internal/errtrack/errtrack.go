// Package errtrack counts upstream failures by provider and category and
// keeps a bounded window of recent errors for diagnostics.
package errtrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ringbuf"
)

const recentCapacity = 256

// Entry is one recorded failure.
type Entry struct {
	Provider providers.Name `json:"provider"`
	Category string         `json:"category"`
	Message  string         `json:"message"`
	At       time.Time      `json:"at"`
}

// Snapshot is a deep copy of tracker state for the metrics endpoint.
type Snapshot struct {
	Total         int64                               `json:"total"`
	ByProvider    map[providers.Name]int64            `json:"by_provider"`
	ByCategory    map[providers.Name]map[string]int64 `json:"by_category"`
	RequestsTotal int64                               `json:"requests_total"`
	Recent        []Entry                             `json:"recent"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	total      int64
	byProvider map[providers.Name]int64
	byCategory map[providers.Name]map[string]int64
	recent     *ringbuf.Ring[Entry]

	shared *metrics.SharedCounters
}

// New creates a Tracker. shared supplies the process-wide request counter so
// error rates can be derived without importing the cost tracker.
func New(shared *metrics.SharedCounters) *Tracker {
	return &Tracker{
		byProvider: make(map[providers.Name]int64),
		byCategory: make(map[providers.Name]map[string]int64),
		recent:     ringbuf.New[Entry](recentCapacity),
		shared:     shared,
	}
}

// RecordError implements the fallback handler's ErrorRecorder.
func (t *Tracker) RecordError(p providers.Name, err error) {
	cat := Classify(err)

	t.mu.Lock()
	t.total++
	t.byProvider[p]++
	if t.byCategory[p] == nil {
		t.byCategory[p] = make(map[string]int64)
	}
	t.byCategory[p][cat]++
	t.recent.Push(Entry{Provider: p, Category: cat, Message: err.Error(), At: time.Now()})
	t.mu.Unlock()
}

// Snapshot deep-copies the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	byProv := make(map[providers.Name]int64, len(t.byProvider))
	for k, v := range t.byProvider {
		byProv[k] = v
	}
	byCat := make(map[providers.Name]map[string]int64, len(t.byCategory))
	for p, cats := range t.byCategory {
		inner := make(map[string]int64, len(cats))
		for c, v := range cats {
			inner[c] = v
		}
		byCat[p] = inner
	}

	var reqTotal int64
	if t.shared != nil {
		reqTotal = t.shared.RequestsTotal()
	}

	return Snapshot{
		Total:         t.total,
		ByProvider:    byProv,
		ByCategory:    byCat,
		RequestsTotal: reqTotal,
		Recent:        t.recent.Snapshot(),
	}
}

// Classify converts an error into a short category string used in metrics
// labels and log fields.
func Classify(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
