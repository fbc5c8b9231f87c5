package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/maltedev/stories-scraper/internal/models"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache stores vectors as JSON strings.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// CachedEmbedder memoizes another embedder keyed by the image hash.
// Cache failures degrade to a direct call.
type CachedEmbedder struct {
	next   Embedder
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedEmbedder(next Embedder, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "embedding_cache"),
	}
}

func (c *CachedEmbedder) Model() string { return c.next.Model() }

func CacheKey(model string, image []byte) string {
	sum := sha256.Sum256(image)
	return "embedding:" + model + ":" + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) Embed(ctx context.Context, image []byte) ([]float32, error) {
	key := CacheKey(c.next.Model(), image)

	raw, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var vec []float32
		if jerr := json.Unmarshal(raw, &vec); jerr == nil && len(vec) == models.EmbeddingDimension {
			return vec, nil
		}
		c.logger.Warn("discarding malformed cache entry", "key", key)
	case !errors.Is(err, ErrCacheMiss):
		c.logger.Warn("cache lookup failed", "key", key, "error", err)
	}

	vec, err := c.next.Embed(ctx, image)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(vec); err == nil {
		if err := c.cache.Set(ctx, key, payload, c.ttl); err != nil {
			c.logger.Warn("cache store failed", "key", key, "error", err)
		}
	}

	return vec, nil
}
