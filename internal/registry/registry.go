// Package registry owns the mutable per-provider health state: circuit
// breaker, consecutive-error counter, and upstream rate-limit counters.
//
// The registry is the single writer for this state. Queries return immutable
// snapshots so the routing engine never observes a torn entry. Per-provider
// mutexes keep updates linearizable without a global lock.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

// rateLimitBackoff is how long a provider stays filtered after an upstream
// 429 when the response carries no reset timestamp.
const rateLimitBackoff = time.Minute

// BreakerState is the circuit breaker state for metrics and logs.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds breaker tuning parameters. Zero values use the defaults from
// the providers package.
type Config struct {
	// ErrorThreshold is the number of consecutive errors that trip the
	// breaker. Default: providers.ErrorThreshold (5).
	ErrorThreshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: providers.BreakerCooldown (30s).
	Cooldown time.Duration
}

func (c Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.ErrorThreshold
}

func (c Config) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return providers.BreakerCooldown
}

// State is the immutable per-provider snapshot handed to the routing engine.
type State struct {
	Provider           providers.Name `json:"provider"`
	Available          bool           `json:"available"`
	RateLimitRemaining int            `json:"rate_limit_remaining"`
	RateLimitResetAt   time.Time      `json:"rate_limit_reset_at"`
	Latency            latency.Stats  `json:"latency"`
	LastErrorAt        time.Time      `json:"last_error_at"`
	ConsecutiveErrors  int            `json:"consecutive_errors"`
}

// entry is the registry-owned mutable record for one provider.
type entry struct {
	mu sync.Mutex

	consecutiveErrors int
	lastErrorAt       time.Time
	openedAt          time.Time // zero while the circuit is closed
	probeInflight     bool

	rateLimitRemaining int
	rateLimitResetAt   time.Time
}

// Registry tracks every configured provider. Entries are created at startup
// and live for the process lifetime.
type Registry struct {
	entries map[providers.Name]*entry
	cfg     Config
	tracker *latency.Tracker
	log     *slog.Logger

	now func() time.Time // test hook
}

// New creates a Registry for the given providers. tracker must not be nil.
func New(provs []providers.Name, cfg Config, tracker *latency.Tracker, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		entries: make(map[providers.Name]*entry, len(provs)),
		cfg:     cfg,
		tracker: tracker,
		log:     log,
		now:     time.Now,
	}
	for _, p := range provs {
		// Upstream quota is unknown until the first response; assume open.
		r.entries[p] = &entry{rateLimitRemaining: 1}
	}
	return r
}

func (r *Registry) get(p providers.Name) *entry {
	return r.entries[p]
}

// Providers returns the tracked provider set in registration order.
func (r *Registry) Providers() []providers.Name {
	out := make([]providers.Name, 0, len(r.entries))
	for _, p := range providers.All {
		if _, ok := r.entries[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// IsAvailable reports whether the provider may receive a request. Pure read:
//
//   - circuit closed → true
//   - open and cooldown not elapsed → false
//   - cooldown elapsed (half-open) → true only while no probe is in flight;
//     claiming the probe slot is a separate, explicit TryClaimProbe call.
func (r *Registry) IsAvailable(p providers.Name) bool {
	e := r.get(p)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return r.availableLocked(e)
}

func (r *Registry) availableLocked(e *entry) bool {
	if e.openedAt.IsZero() {
		return true
	}
	if r.now().Sub(e.openedAt) < r.cfg.cooldown() {
		return false
	}
	return !e.probeInflight
}

// TryClaimProbe atomically claims the half-open probe slot. Returns true for
// exactly one caller once the cooldown has elapsed; everyone else sees false
// until the probe completes via ReportSuccess or ReportError.
func (r *Registry) TryClaimProbe(p providers.Name) bool {
	e := r.get(p)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openedAt.IsZero() {
		return false // circuit closed — nothing to probe
	}
	if r.now().Sub(e.openedAt) < r.cfg.cooldown() {
		return false
	}
	if e.probeInflight {
		return false
	}
	e.probeInflight = true
	return true
}

// BreakerStateOf returns the current breaker state for metrics export.
func (r *Registry) BreakerStateOf(p providers.Name) BreakerState {
	e := r.get(p)
	if e == nil {
		return StateClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openedAt.IsZero() {
		return StateClosed
	}
	if r.now().Sub(e.openedAt) < r.cfg.cooldown() {
		return StateOpen
	}
	return StateHalfOpen
}

// ReportSuccess records a successful upstream response: the error counter
// resets, the circuit closes, and any held probe slot is released.
func (r *Registry) ReportSuccess(p providers.Name, model string, latencyMs int64) {
	e := r.get(p)
	if e == nil {
		return
	}

	e.mu.Lock()
	wasOpen := !e.openedAt.IsZero()
	e.consecutiveErrors = 0
	e.openedAt = time.Time{}
	e.probeInflight = false
	e.mu.Unlock()

	if wasOpen {
		r.log.Info("breaker_closed", slog.String("provider", p.String()))
	}

	r.tracker.Record(p, model, latencyMs, latencyMs, true)
}

// ReportError records an upstream failure. The consecutive-error counter
// increments by exactly one; reaching the threshold with a closed circuit
// opens it. A failed half-open probe reopens the circuit with a fresh
// opened-at timestamp. The failure is forwarded to the latency tracker as an
// error record (no EMA update).
func (r *Registry) ReportError(p providers.Name, model string, err error) {
	e := r.get(p)
	if e == nil {
		return
	}

	now := r.now()

	e.mu.Lock()
	e.consecutiveErrors++
	e.lastErrorAt = now

	// An upstream 429 means the provider-side quota is spent; mark it so the
	// routing filter steers around this provider until the window resets.
	var sc providers.StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == 429 {
		e.rateLimitRemaining = 0
		e.rateLimitResetAt = now.Add(rateLimitBackoff)
	}

	opened := false
	switch {
	case e.probeInflight:
		// Failed half-open probe: reopen with a fresh cooldown.
		e.openedAt = now
		e.probeInflight = false
		opened = true
	case e.openedAt.IsZero() && e.consecutiveErrors >= r.cfg.errorThreshold():
		e.openedAt = now
		opened = true
	}
	count := e.consecutiveErrors
	e.mu.Unlock()

	if opened {
		r.log.Warn("breaker_opened",
			slog.String("provider", p.String()),
			slog.Int("consecutive_errors", count),
			slog.String("error", errString(err)),
		)
	}

	r.tracker.Record(p, model, 0, 0, false)
}

// UpdateRateLimit replaces the upstream quota counters for the provider.
func (r *Registry) UpdateRateLimit(p providers.Name, remaining int, resetAt time.Time) {
	e := r.get(p)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.rateLimitRemaining = remaining
	e.rateLimitResetAt = resetAt
	e.mu.Unlock()
}

// States returns a snapshot of every tracked provider, in registration order.
func (r *Registry) States() []State {
	provs := r.Providers()
	out := make([]State, 0, len(provs))
	for _, p := range provs {
		out = append(out, r.StateOf(p))
	}
	return out
}

// StateOf builds the snapshot for a single provider.
func (r *Registry) StateOf(p providers.Name) State {
	e := r.get(p)
	if e == nil {
		return State{Provider: p}
	}

	e.mu.Lock()
	s := State{
		Provider:           p,
		Available:          r.availableLocked(e),
		RateLimitRemaining: e.rateLimitRemaining,
		RateLimitResetAt:   e.rateLimitResetAt,
		LastErrorAt:        e.lastErrorAt,
		ConsecutiveErrors:  e.consecutiveErrors,
	}
	e.mu.Unlock()

	s.Latency = r.tracker.Stats(p)
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
