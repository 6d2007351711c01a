// Package retry holds the pure retry-policy functions shared by the fallback
// handler and the cache's embedding client.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// retryableStatuses are the upstream HTTP statuses worth another attempt.
var retryableStatuses = map[int]struct{}{
	408: {},
	429: {},
	500: {},
	502: {},
	503: {},
	504: {},
}

// Retryable reports whether err should trigger another attempt: a retryable
// upstream status, or a network-class failure (timeout, connection reset,
// DNS). 4xx responses outside the set above are deterministic — retrying them
// wastes quota.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		_, ok := retryableStatuses[sc.HTTPStatus()]
		return ok
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	// Unknown errors are treated as retryable — a different provider may
	// still serve the request.
	return true
}

// Backoff returns min(max, base·2^attempt) with ±20% uniform jitter.
// attempt is zero-based.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}

	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first.
// Returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
