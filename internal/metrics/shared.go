package metrics

import "sync/atomic"

// SharedCounters holds the scalar counters read by both the cost tracker and
// the error tracker. Pulling them into this package breaks the import cycle
// those two would otherwise form through each other's snapshots.
type SharedCounters struct {
	requestsTotal atomic.Int64
}

// NewSharedCounters creates a zeroed counter set.
func NewSharedCounters() *SharedCounters {
	return &SharedCounters{}
}

// IncRequests bumps the process-wide request counter.
func (s *SharedCounters) IncRequests() {
	s.requestsTotal.Add(1)
}

// RequestsTotal returns the process-wide request count.
func (s *SharedCounters) RequestsTotal() int64 {
	return s.requestsTotal.Load()
}
