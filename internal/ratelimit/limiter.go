package ratelimit

import (
	"sync"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// BucketConfig holds token bucket parameters for one provider.
type BucketConfig struct {
	MaxTokens  int
	RefillRate float64 // tokens per second
}

// Limiter owns one token bucket per provider. Buckets are constructed lazily
// on first reference from the per-provider config (falling back to the
// default), and live for the process lifetime.
type Limiter struct {
	mu      sync.Mutex
	buckets map[providers.Name]*Bucket
	def     BucketConfig
	perProv map[providers.Name]BucketConfig
}

// NewLimiter creates a Limiter. overrides may be nil.
func NewLimiter(def BucketConfig, overrides map[providers.Name]BucketConfig) (*Limiter, error) {
	if def.MaxTokens <= 0 || def.RefillRate <= 0 {
		return nil, ErrInvalidConfig
	}
	for _, cfg := range overrides {
		if cfg.MaxTokens <= 0 || cfg.RefillRate <= 0 {
			return nil, ErrInvalidConfig
		}
	}
	return &Limiter{
		buckets: make(map[providers.Name]*Bucket, len(providers.All)),
		def:     def,
		perProv: overrides,
	}, nil
}

// Bucket returns the provider's bucket, creating it on first use.
func (l *Limiter) Bucket(p providers.Name) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[p]; ok {
		return b
	}

	cfg := l.def
	if o, ok := l.perProv[p]; ok {
		cfg = o
	}
	// Config is validated at construction, so NewBucket cannot fail here.
	b, _ := NewBucket(cfg.MaxTokens, cfg.RefillRate)
	l.buckets[p] = b
	return b
}
