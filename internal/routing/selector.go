package routing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nulpointcorp/llm-router/internal/fallback"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

// ErrNoProviderAvailable is returned when ranking yields no usable candidate:
// every provider is circuit-broken, rate-limited upstream, or filtered out.
// Maps to 503.
var ErrNoProviderAvailable = errors.New("routing: no provider available")

// Selector orchestrates registry snapshots, the rules engine, and the
// fallback handler.
type Selector struct {
	reg    *registry.Registry
	engine *Engine
	fb     *fallback.Handler
	log    *slog.Logger
}

// NewSelector wires the selector. fb may be nil when only SelectProvider is
// used (tests).
func NewSelector(reg *registry.Registry, engine *Engine, fb *fallback.Handler, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{reg: reg, engine: engine, fb: fb, log: log}
}

// Select ranks candidates for the request. Half-open providers are kept only
// when this request wins the probe slot — the claim is an explicit call here,
// after ranking, never a side effect of reading state.
func (s *Selector) Select(meta RequestMeta) ([]Ranked, error) {
	ranked := s.engine.Rank(s.reg.States(), meta)
	if len(ranked) == 0 {
		return nil, ErrNoProviderAvailable
	}

	out := ranked[:0]
	claimed := make(map[providers.Name]bool)
	for _, r := range ranked {
		if s.reg.BreakerStateOf(r.Provider) == registry.StateHalfOpen {
			if !claimed[r.Provider] && !s.reg.TryClaimProbe(r.Provider) {
				continue // another request holds the probe
			}
			claimed[r.Provider] = true
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, ErrNoProviderAvailable
	}
	return out, nil
}

// SelectProvider returns the single best candidate for the request.
func (s *Selector) SelectProvider(meta RequestMeta) (Ranked, error) {
	ranked, err := s.Select(meta)
	if err != nil {
		return Ranked{}, err
	}
	return ranked[0], nil
}

// Candidates collapses a ranked list to one candidate per provider (its best
// model), preserving rank order — the failover chain tries each provider
// once.
func Candidates(ranked []Ranked) []fallback.Candidate {
	seen := make(map[providers.Name]bool, len(ranked))
	out := make([]fallback.Candidate, 0, len(ranked))
	for _, r := range ranked {
		if seen[r.Provider] {
			continue
		}
		seen[r.Provider] = true
		out = append(out, fallback.Candidate{Provider: r.Provider, Model: r.Model})
	}
	return out
}

// Run feeds an already-ranked chain into the fallback handler. The execute
// adapter is wrapped with registry reporting so breaker state advances on
// every attempt outcome.
func (s *Selector) Run(
	ctx context.Context,
	ranked []Ranked,
	streaming bool,
	exec fallback.Execute,
) (*fallback.Result, error) {
	reporting := func(attemptCtx context.Context, c fallback.Candidate) (*providers.ProxyResponse, error) {
		resp, execErr := exec(attemptCtx, c)
		if execErr != nil {
			s.reg.ReportError(c.Provider, c.Model, execErr)
			return nil, execErr
		}
		return resp, nil
	}

	res, err := s.fb.Run(ctx, Candidates(ranked), reporting, fallback.Options{Streaming: streaming})
	if err != nil {
		return nil, err
	}

	// Success reporting happens here rather than in the adapter: streaming
	// responses are only known good once Run returns them.
	if len(res.Attempts) > 0 {
		last := res.Attempts[len(res.Attempts)-1]
		s.reg.ReportSuccess(res.Served.Provider, res.Served.Model, last.LatencyMs)
	}
	return res, nil
}

// SelectWithFallback ranks candidates and runs the fallback chain in one
// step.
func (s *Selector) SelectWithFallback(
	ctx context.Context,
	meta RequestMeta,
	exec fallback.Execute,
) (*fallback.Result, error) {
	ranked, err := s.Select(meta)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, ranked, meta.Stream, exec)
}
