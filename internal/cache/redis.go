package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// defaultQueryTimeout bounds every index round trip so a slow vector
	// store can only consume a small slice of the request budget.
	defaultQueryTimeout = 500 * time.Millisecond

	indexName = "idx:semantic-cache"
	keyPrefix = "cache:"
)

// RedisIndex is a VectorIndex backed by a RediSearch HNSW index with cosine
// distance.
//
// All operations degrade gracefully: Search and Store return errors for the
// caller to log, but connection problems never panic and the index is
// created idempotently at startup.
type RedisIndex struct {
	client       *redis.Client
	dims         int
	queryTimeout time.Duration
	log          *slog.Logger
}

// NewRedisIndexFromClient wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisIndexFromClient(client *redis.Client, dims int, log *slog.Logger) *RedisIndex {
	if log == nil {
		log = slog.Default()
	}
	return &RedisIndex{client: client, dims: dims, queryTimeout: defaultQueryTimeout, log: log}
}

// NewRedisIndexFromURL parses redisURL, verifies the connection with a PING,
// and ensures the vector index exists.
func NewRedisIndexFromURL(ctx context.Context, redisURL string, dims int, log *slog.Logger) (*RedisIndex, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	idx := NewRedisIndexFromClient(cli, dims, log)
	if err := idx.EnsureIndex(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return idx, nil
}

// EnsureIndex creates the HNSW index if it does not exist yet.
func (r *RedisIndex) EnsureIndex(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.client.FTCreate(ctx, indexName,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []any{keyPrefix},
		},
		&redis.FieldSchema{
			FieldName: "model",
			FieldType: redis.SearchFieldTypeTag,
		},
		&redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            r.dims,
					DistanceMetric: "COSINE",
				},
			},
		},
	).Err()
	if err != nil && !strings.Contains(err.Error(), "Index already exists") {
		return fmt.Errorf("cache: create index: %w", err)
	}
	return nil
}

// Search runs a KNN query restricted to the model tag. The tag value arrives
// validated; it is escaped here for RediSearch tag syntax.
func (r *RedisIndex) Search(ctx context.Context, vector []float32, model string, k int) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := fmt.Sprintf("(@model:{%s})=>[KNN %d @embedding $vec AS distance]", EscapeTag(model), k)

	res, err := r.client.FTSearchWithArgs(ctx, indexName, query, &redis.FTSearchOptions{
		Params:         map[string]any{"vec": encodeVector(vector)},
		SortBy:         []redis.FTSearchSortBy{{FieldName: "distance", Asc: true}},
		LimitOffset:    0,
		Limit:          k,
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: search: %w", err)
	}

	matches := make([]Match, 0, len(res.Docs))
	for _, d := range res.Docs {
		m, ok := docToMatch(d)
		if !ok {
			r.log.Warn("cache_malformed_doc", slog.String("key", d.ID))
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Store writes the document as a hash with a TTL.
func (r *RedisIndex) Store(ctx context.Context, key string, doc Document, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	fields := map[string]any{
		"query":         doc.Query,
		"model":         doc.Model,
		"response":      doc.Response,
		"input_tokens":  doc.Usage.InputTokens,
		"output_tokens": doc.Usage.OutputTokens,
		"temperature":   strconv.FormatFloat(doc.Temperature, 'f', -1, 64),
		"max_tokens":    doc.MaxTokens,
		"created_at":    doc.CreatedAt.Unix(),
		"embedding":     encodeVector(doc.Embedding),
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: store %s: %w", key, err)
	}
	return nil
}

// Ready reports whether the Redis backend answers a PING.
func (r *RedisIndex) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

// Close releases the Redis connection pool.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}

// encodeVector serializes float32s little-endian, the layout RediSearch
// expects for FLOAT32 vector fields.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// docToMatch converts one search result into a Match.
func docToMatch(d redis.Document) (Match, bool) {
	dist, err := strconv.ParseFloat(d.Fields["distance"], 64)
	if err != nil {
		return Match{}, false
	}
	temp, err := strconv.ParseFloat(d.Fields["temperature"], 64)
	if err != nil {
		return Match{}, false
	}
	maxTokens, _ := strconv.Atoi(d.Fields["max_tokens"])
	inTok, _ := strconv.Atoi(d.Fields["input_tokens"])
	outTok, _ := strconv.Atoi(d.Fields["output_tokens"])
	createdAt, _ := strconv.ParseInt(d.Fields["created_at"], 10, 64)

	doc := Document{
		Query:       d.Fields["query"],
		Model:       d.Fields["model"],
		Response:    []byte(d.Fields["response"]),
		Temperature: temp,
		MaxTokens:   maxTokens,
		CreatedAt:   time.Unix(createdAt, 0),
		Embedding:   decodeVector([]byte(d.Fields["embedding"])),
	}
	doc.Usage.InputTokens = inTok
	doc.Usage.OutputTokens = outTok

	return Match{Doc: doc, Distance: dist}, true
}
