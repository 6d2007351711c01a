package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

type statusErr struct{ status int }

func (e *statusErr) Error() string   { return fmt.Sprintf("upstream status %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

type recordedError struct {
	provider providers.Name
	err      error
}

type stubRecorder struct {
	mu   sync.Mutex
	errs []recordedError
}

func (r *stubRecorder) RecordError(p providers.Name, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, recordedError{p, err})
	r.mu.Unlock()
}

func testHandler(maxRetries int) *Handler {
	return New(maxRetries, time.Millisecond, 2*time.Millisecond, nil, nil)
}

func candidates(names ...providers.Name) []Candidate {
	out := make([]Candidate, len(names))
	for i, n := range names {
		out[i] = Candidate{Provider: n, Model: "m-" + n.String()}
	}
	return out
}

func okResponse(c Candidate) *providers.ProxyResponse {
	return &providers.ProxyResponse{ID: "ok", Model: c.Model, Content: "hi"}
}

func TestRun_FirstAttemptSucceeds(t *testing.T) {
	h := testHandler(2)
	calls := 0

	res, err := h.Run(context.Background(), candidates(providers.OpenAI, providers.Anthropic),
		func(_ context.Context, c Candidate) (*providers.ProxyResponse, error) {
			calls++
			return okResponse(c), nil
		}, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Release()

	if calls != 1 {
		t.Errorf("expected 1 execute call, got %d", calls)
	}
	if res.Served.Provider != providers.OpenAI {
		t.Errorf("expected openai to serve, got %s", res.Served.Provider)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Error != "" {
		t.Errorf("expected one clean attempt record, got %+v", res.Attempts)
	}
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	h := testHandler(2)
	calls := 0

	res, err := h.Run(context.Background(), candidates(providers.OpenAI),
		func(_ context.Context, c Candidate) (*providers.ProxyResponse, error) {
			calls++
			if calls < 3 {
				return nil, &statusErr{503}
			}
			return okResponse(c), nil
		}, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Release()

	if calls != 3 {
		t.Errorf("expected 3 calls (2 failures + success), got %d", calls)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("expected 3 attempt records, got %d", len(res.Attempts))
	}
}

func TestRun_FailsOverToNextProvider(t *testing.T) {
	h := testHandler(1)

	res, err := h.Run(context.Background(), candidates(providers.OpenAI, providers.Anthropic),
		func(_ context.Context, c Candidate) (*providers.ProxyResponse, error) {
			if c.Provider == providers.OpenAI {
				return nil, &statusErr{502}
			}
			return okResponse(c), nil
		}, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Release()

	if res.Served.Provider != providers.Anthropic {
		t.Errorf("expected anthropic after openai exhausted, got %s", res.Served.Provider)
	}
	// openai: 2 attempts (maxRetries=1), anthropic: 1.
	if len(res.Attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d: %+v", len(res.Attempts), res.Attempts)
	}
}

func TestRun_NonRetryableSkipsRetriesButStillFailsOver(t *testing.T) {
	h := testHandler(3)
	perProvider := map[providers.Name]int{}

	res, err := h.Run(context.Background(), candidates(providers.OpenAI, providers.Anthropic),
		func(_ context.Context, c Candidate) (*providers.ProxyResponse, error) {
			perProvider[c.Provider]++
			if c.Provider == providers.OpenAI {
				return nil, &statusErr{401} // non-retryable
			}
			return okResponse(c), nil
		}, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Release()

	if perProvider[providers.OpenAI] != 1 {
		t.Errorf("non-retryable error should stop openai retries, got %d calls", perProvider[providers.OpenAI])
	}
	if res.Served.Provider != providers.Anthropic {
		t.Errorf("expected failover to anthropic, got %s", res.Served.Provider)
	}
}

func TestRun_AllProvidersFailed(t *testing.T) {
	rec := &stubRecorder{}
	h := New(1, time.Millisecond, 2*time.Millisecond, rec, nil)

	_, err := h.Run(context.Background(), candidates(providers.OpenAI, providers.Anthropic),
		func(_ context.Context, _ Candidate) (*providers.ProxyResponse, error) {
			return nil, &statusErr{503}
		}, Options{})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(exhausted.Tried) != 2 {
		t.Errorf("expected 2 providers tried, got %v", exhausted.Tried)
	}
	if len(exhausted.Attempts) != 4 {
		t.Errorf("expected 4 attempts (2 per provider), got %d", len(exhausted.Attempts))
	}
	if len(rec.errs) != 4 {
		t.Errorf("errors must be recorded as they occur: got %d records", len(rec.errs))
	}
}

func TestRun_ExecuteCallsBounded(t *testing.T) {
	h := testHandler(2)
	calls := 0

	_, err := h.Run(context.Background(), candidates(providers.OpenAI, providers.Anthropic, providers.Google),
		func(_ context.Context, _ Candidate) (*providers.ProxyResponse, error) {
			calls++
			return nil, &statusErr{500}
		}, Options{})
	if err == nil {
		t.Fatal("expected terminal error")
	}

	max := 3 * (2 + 1)
	if calls > max {
		t.Errorf("execute calls %d exceed bound %d", calls, max)
	}
}

func TestRun_DeadlineTripsMidFlight(t *testing.T) {
	h := testHandler(5)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Run(ctx, candidates(providers.OpenAI),
		func(attemptCtx context.Context, _ Candidate) (*providers.ProxyResponse, error) {
			<-attemptCtx.Done() // upstream hangs until cancelled
			return nil, attemptCtx.Err()
		}, Options{})

	var deadline *DeadlineError
	if !errors.As(err, &deadline) {
		t.Fatalf("expected DeadlineError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("deadline should abort promptly, took %v", elapsed)
	}
}

func TestRun_DeadlineAlreadyTripped(t *testing.T) {
	h := testHandler(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := h.Run(ctx, candidates(providers.OpenAI),
		func(_ context.Context, _ Candidate) (*providers.ProxyResponse, error) {
			calls++
			return nil, nil
		}, Options{})

	var deadline *DeadlineError
	if !errors.As(err, &deadline) {
		t.Fatalf("expected DeadlineError, got %v", err)
	}
	if calls != 0 {
		t.Errorf("no execute call should happen after the deadline, got %d", calls)
	}
}

func TestRun_StreamingSingleAttemptPerProvider(t *testing.T) {
	h := testHandler(5)
	perProvider := map[providers.Name]int{}

	_, err := h.Run(context.Background(), candidates(providers.OpenAI, providers.Anthropic),
		func(_ context.Context, c Candidate) (*providers.ProxyResponse, error) {
			perProvider[c.Provider]++
			return nil, &statusErr{503}
		}, Options{Streaming: true})
	if err == nil {
		t.Fatal("expected terminal error")
	}

	for p, n := range perProvider {
		if n != 1 {
			t.Errorf("streaming must not retry within a provider: %s got %d attempts", p, n)
		}
	}
}

func TestRun_AttemptContextCancelledBetweenRetries(t *testing.T) {
	h := testHandler(1)

	var firstCtx context.Context
	calls := 0
	res, err := h.Run(context.Background(), candidates(providers.OpenAI),
		func(attemptCtx context.Context, c Candidate) (*providers.ProxyResponse, error) {
			calls++
			if calls == 1 {
				firstCtx = attemptCtx
				return nil, &statusErr{503}
			}
			// By the second attempt the first attempt's context must be dead.
			if firstCtx.Err() == nil {
				t.Error("previous attempt context should be cancelled before the next attempt")
			}
			return okResponse(c), nil
		}, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res.Release()
}

func TestRun_CancellationInterruptsBackoff(t *testing.T) {
	h := New(5, time.Second, 10*time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := h.Run(ctx, candidates(providers.OpenAI),
		func(_ context.Context, _ Candidate) (*providers.ProxyResponse, error) {
			return nil, &statusErr{503}
		}, Options{})

	if err == nil {
		t.Fatal("expected terminal error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation should interrupt the backoff sleep, took %v", elapsed)
	}
}

func TestRun_EmptyCandidates(t *testing.T) {
	h := testHandler(1)

	_, err := h.Run(context.Background(), nil,
		func(_ context.Context, _ Candidate) (*providers.ProxyResponse, error) {
			t.Fatal("execute must not be called with no candidates")
			return nil, nil
		}, Options{})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
}
