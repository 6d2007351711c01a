// Package cache implements semantic response caching: requests are matched by
// embedding similarity rather than exact text, scoped to (model, temperature,
// max_tokens) so responses never leak across parameter boundaries.
//
// Two vector index backends are available:
//   - RedisIndex  — RediSearch HNSW index with cosine distance. Recommended
//     for production clusters.
//   - MemoryIndex — in-process brute-force cosine scan, zero external
//     dependencies. Ideal for single-instance deployments and tests.
//
// Graceful degradation everywhere: embedding or index errors surface as a
// cache miss with a warning, never as a failed request.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	// DefaultSimilarityThreshold is the maximum cosine distance accepted as
	// a hit (lower = more similar).
	DefaultSimilarityThreshold = 0.1

	// DefaultTTL bounds how long entries live in the store.
	DefaultTTL = time.Hour

	// searchK is the KNN fan-out. Wider than 1 so post-filters (temperature,
	// max_tokens) still have survivors to choose from.
	searchK = 5

	// ttlJitter spreads expiry by ±10% to avoid synchronized eviction storms.
	ttlJitter = 0.1
)

// Document is one stored cache entry.
type Document struct {
	Query       string          `json:"query"`
	Model       string          `json:"model"`
	Response    []byte          `json:"response"`
	Usage       providers.Usage `json:"usage"`
	Embedding   []float32       `json:"embedding"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Match is one KNN result with its cosine distance to the query vector.
type Match struct {
	Doc      Document
	Distance float64
}

// VectorIndex is the storage seam. Search returns matches ordered by
// ascending distance, already restricted to the given model tag; the tag
// arrives validated and implementations escape it for their own query syntax.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, model string, k int) ([]Match, error)
	Store(ctx context.Context, key string, doc Document, ttl time.Duration) error
}

// Query identifies a cacheable request.
type Query struct {
	Model       string
	Messages    []providers.Message
	Temperature float64
	MaxTokens   int
}

// Hit is a successful lookup.
type Hit struct {
	Response []byte
	Usage    providers.Usage
	Distance float64
}

// Config tunes a SemanticCache.
type Config struct {
	// Threshold is the maximum accepted cosine distance. Zero uses the
	// default.
	Threshold float64

	// TTL for stored entries. Zero uses the default.
	TTL time.Duration
}

// SemanticCache coordinates embedding generation and vector lookup.
type SemanticCache struct {
	index     Embeddings
	threshold float64
	ttl       time.Duration
	log       *slog.Logger
}

// Embeddings groups the two collaborators so tests can swap either.
type Embeddings struct {
	Index    VectorIndex
	Embedder Embedder
}

// New creates a SemanticCache.
func New(deps Embeddings, cfg Config, log *slog.Logger) *SemanticCache {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultSimilarityThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &SemanticCache{
		index:     deps,
		threshold: cfg.Threshold,
		ttl:       cfg.TTL,
		log:       log,
	}
}

// Lookup embeds the query and searches for a semantically equivalent cached
// response. The computed embedding is returned (even on a miss) so a later
// Store for the same request never embeds twice. Every failure path is a
// miss.
func (c *SemanticCache) Lookup(ctx context.Context, q Query) (*Hit, []float32, bool) {
	if !ValidTag(q.Model) {
		// A model string that fails validation cannot be used as a tag
		// filter; treat the request as uncacheable.
		return nil, nil, false
	}

	text := Canonicalize(q.Messages)
	if text == "" {
		return nil, nil, false
	}

	vector, err := c.index.Embedder.Embed(ctx, text)
	if err != nil {
		c.log.Warn("cache_embed_error", slog.String("error", err.Error()))
		return nil, nil, false
	}

	matches, err := c.index.Index.Search(ctx, vector, q.Model, searchK)
	if err != nil {
		c.log.Warn("cache_lookup_error",
			slog.String("model", q.Model),
			slog.String("error", err.Error()),
		)
		return nil, vector, false
	}

	for _, m := range matches {
		if m.Distance > c.threshold {
			// Matches are distance-ordered; the rest are farther still.
			break
		}
		if !floatsEqual(m.Doc.Temperature, q.Temperature) {
			continue
		}
		if m.Doc.MaxTokens != q.MaxTokens {
			continue
		}
		return &Hit{Response: m.Doc.Response, Usage: m.Doc.Usage, Distance: m.Distance}, vector, true
	}
	return nil, vector, false
}

// Store persists a successful non-streaming response. embedding is the vector
// Lookup computed for this request; when nil (lookup was bypassed or the
// embedder failed) the store is skipped rather than paying a second embedding
// call. Errors are logged, never returned.
func (c *SemanticCache) Store(ctx context.Context, q Query, embedding []float32, response []byte, usage providers.Usage) {
	if embedding == nil || !ValidTag(q.Model) {
		return
	}

	doc := Document{
		Query:       Canonicalize(q.Messages),
		Model:       q.Model,
		Response:    response,
		Usage:       usage,
		Embedding:   embedding,
		Temperature: q.Temperature,
		MaxTokens:   q.MaxTokens,
		CreatedAt:   time.Now(),
	}

	key := NewKey()
	if err := c.index.Index.Store(ctx, key, doc, jitterTTL(c.ttl)); err != nil {
		c.log.Warn("cache_store_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// NewKey builds a unique entry key: cache:{unix-nano}-{uuid8}.
func NewKey() string {
	id := uuid.New().String()[:8]
	return fmt.Sprintf("cache:%d-%s", time.Now().UnixNano(), id)
}

// jitterTTL spreads ttl by ±10%.
func jitterTTL(ttl time.Duration) time.Duration {
	f := 1 + (rand.Float64()*2-1)*ttlJitter
	return time.Duration(float64(ttl) * f)
}

func floatsEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
