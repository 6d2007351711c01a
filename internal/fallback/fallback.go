// Package fallback drives upstream attempts for one request: a bounded retry
// loop per provider, failing over across providers in rank order, all under a
// single end-to-end deadline.
//
// Cancellation cascades: every attempt runs on a context derived from the
// request deadline, so cancelling the deadline cancels all in-flight work.
// Between retries the previous attempt's context is cancelled explicitly so
// abandoned upstream calls release their connections promptly.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/retry"
)

// Candidate is one (provider, model) pair from the ranked routing output.
type Candidate struct {
	Provider providers.Name `json:"provider"`
	Model    string         `json:"model"`
}

// Execute performs the terminal upstream call for one candidate. The context
// is the per-attempt token; implementations must respect its cancellation.
type Execute func(ctx context.Context, c Candidate) (*providers.ProxyResponse, error)

// Attempt records one upstream try for the error envelope and logs.
type Attempt struct {
	Provider  providers.Name `json:"provider"`
	Model     string         `json:"model"`
	LatencyMs int64          `json:"latency_ms"`
	Error     string         `json:"error,omitempty"`
}

// Result is a successful outcome.
type Result struct {
	Response *providers.ProxyResponse
	Served   Candidate
	Attempts []Attempt

	// Release tears down the winning attempt's context. For streaming
	// responses the attempt context must outlive Run — the caller invokes
	// Release once the stream drains. Never nil on a successful Result.
	Release context.CancelFunc
}

// DeadlineError reports that the overall deadline tripped before any provider
// succeeded. Maps to 504.
type DeadlineError struct {
	Attempts []Attempt
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("fallback: deadline exceeded after %d attempt(s)", len(e.Attempts))
}

// ExhaustedError reports that every candidate failed while time remained.
// Maps to 503.
type ExhaustedError struct {
	Attempts []Attempt
	Tried    []providers.Name
}

func (e *ExhaustedError) Error() string {
	names := make([]string, len(e.Tried))
	for i, p := range e.Tried {
		names[i] = p.String()
	}
	return fmt.Sprintf("fallback: all providers failed (%s) after %d attempt(s)",
		strings.Join(names, ", "), len(e.Attempts))
}

// ErrorRecorder receives failures as they occur, not only at terminal
// resolution. Implemented by the error tracker.
type ErrorRecorder interface {
	RecordError(provider providers.Name, err error)
}

// Options tunes a single Run.
type Options struct {
	// Streaming reduces per-provider attempts to one so a retry can never
	// emit a second partial stream.
	Streaming bool
}

// Handler holds the retry policy shared by all requests.
type Handler struct {
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	errors      ErrorRecorder // nil-safe
	log         *slog.Logger
}

// New creates a Handler. maxRetries is the number of retries after the first
// attempt per provider; values < 0 are treated as 0. errors may be nil.
func New(maxRetries int, backoffBase, backoffMax time.Duration, errors ErrorRecorder, log *slog.Logger) *Handler {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	if backoffMax <= 0 {
		backoffMax = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		errors:      errors,
		log:         log,
	}
}

// Run walks candidates in order, retrying each up to maxRetries+1 times, and
// returns the first success. ctx carries the overall request deadline.
//
// The number of execute calls is bounded by len(candidates)·(maxRetries+1),
// or fewer when the deadline trips or a non-retryable error aborts a
// provider's loop early.
func (h *Handler) Run(ctx context.Context, candidates []Candidate, exec Execute, opts Options) (*Result, error) {
	attempts := make([]Attempt, 0, len(candidates))
	tried := make([]providers.Name, 0, len(candidates))

	perProvider := h.maxRetries + 1
	if opts.Streaming {
		perProvider = 1
	}

	for _, cand := range candidates {
		if ctx.Err() != nil {
			return nil, h.terminal(ctx, attempts, tried)
		}
		tried = append(tried, cand.Provider)

		for attempt := 0; attempt < perProvider; attempt++ {
			if ctx.Err() != nil {
				return nil, h.terminal(ctx, attempts, tried)
			}

			attemptCtx, cancelAttempt := context.WithCancel(ctx)

			start := time.Now()
			resp, err := exec(attemptCtx, cand)
			latencyMs := time.Since(start).Milliseconds()

			if err == nil {
				attempts = append(attempts, Attempt{
					Provider:  cand.Provider,
					Model:     cand.Model,
					LatencyMs: latencyMs,
				})
				return &Result{
					Response: resp,
					Served:   cand,
					Attempts: attempts,
					Release:  cancelAttempt,
				}, nil
			}

			cancelAttempt()

			attempts = append(attempts, Attempt{
				Provider:  cand.Provider,
				Model:     cand.Model,
				LatencyMs: latencyMs,
				Error:     err.Error(),
			})
			if h.errors != nil {
				h.errors.RecordError(cand.Provider, err)
			}
			h.log.Warn("provider_attempt_failed",
				slog.String("provider", cand.Provider.String()),
				slog.String("model", cand.Model),
				slog.Int("attempt", attempt+1),
				slog.Int64("latency_ms", latencyMs),
				slog.String("error", err.Error()),
			)

			if ctx.Err() != nil {
				return nil, h.terminal(ctx, attempts, tried)
			}

			// Non-retryable failures exhaust this provider immediately but
			// still allow failover — a different upstream may succeed.
			if !retry.Retryable(err) {
				break
			}

			if attempt+1 < perProvider {
				if sleepErr := retry.Sleep(ctx, retry.Backoff(attempt, h.backoffBase, h.backoffMax)); sleepErr != nil {
					return nil, h.terminal(ctx, attempts, tried)
				}
			}
		}
	}

	return nil, h.terminal(ctx, attempts, tried)
}

// terminal picks between the two terminal errors: the deadline tripping wins
// over plain exhaustion.
func (h *Handler) terminal(ctx context.Context, attempts []Attempt, tried []providers.Name) error {
	if ctx.Err() != nil {
		return &DeadlineError{Attempts: attempts}
	}
	return &ExhaustedError{Attempts: attempts, Tried: tried}
}
