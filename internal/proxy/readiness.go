package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "down" | "unknown"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// readiness runs background dependency probes and exposes the latest results
// for GET /ready.
type readiness struct {
	provs      map[providers.Name]providers.Provider
	cacheReady func(context.Context) bool
	baseCtx    context.Context

	provStatuses map[providers.Name]*componentStatus
	cacheStatus  componentStatus

	done chan struct{}
}

// ReadinessSnapshot is the GET /ready payload.
type ReadinessSnapshot struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// newReadiness creates the checker and immediately starts background probes.
func newReadiness(
	ctx context.Context,
	provs map[providers.Name]providers.Provider,
	cacheReady func(context.Context) bool,
) *readiness {
	r := &readiness{
		provs:        provs,
		cacheReady:   cacheReady,
		baseCtx:      ctx,
		provStatuses: make(map[providers.Name]*componentStatus, len(provs)),
		done:         make(chan struct{}),
	}
	for name := range provs {
		r.provStatuses[name] = &componentStatus{status: "unknown"}
	}

	// First probe runs synchronously so readiness is meaningful immediately.
	r.probe()
	go r.run()

	return r
}

// Snapshot builds the current readiness view. The gateway is ready when at
// least one provider answers and the cache backend (when configured) does
// too.
func (r *readiness) Snapshot() ReadinessSnapshot {
	checks := make(map[string]string, len(r.provStatuses)+1)
	anyProviderOK := false
	for name, s := range r.provStatuses {
		st := s.get()
		checks["provider:"+name.String()] = st
		if st == "ok" {
			anyProviderOK = true
		}
	}

	ready := anyProviderOK
	if r.cacheReady != nil {
		st := r.cacheStatus.get()
		checks["cache"] = st
		if st != "ok" {
			ready = false
		}
	}

	return ReadinessSnapshot{Ready: ready, Checks: checks}
}

func (r *readiness) run() {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.probe()
		case <-r.baseCtx.Done():
			return
		case <-r.done:
			return
		}
	}
}

func (r *readiness) probe() {
	var wg sync.WaitGroup
	for name, p := range r.provs {
		wg.Add(1)
		go func(name providers.Name, p providers.Provider) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.baseCtx, probeTimeout)
			defer cancel()
			if err := p.HealthCheck(ctx); err != nil {
				r.provStatuses[name].set("down")
				return
			}
			r.provStatuses[name].set("ok")
		}(name, p)
	}

	if r.cacheReady != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.baseCtx, probeTimeout)
			defer cancel()
			if r.cacheReady(ctx) {
				r.cacheStatus.set("ok")
			} else {
				r.cacheStatus.set("down")
			}
		}()
	}

	wg.Wait()
}

// Close stops the background probe loop.
func (r *readiness) Close() {
	close(r.done)
}
