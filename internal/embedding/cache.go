package embedding

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
)

// CachedEmbedder memoizes embeddings by text for a fixed time.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.Cache
}

// NewCachedEmbedder wraps inner with an expiring cache. ttl <= 0 keeps entries forever.
func NewCachedEmbedder(inner Embedder, ttl time.Duration) *CachedEmbedder {
	cleanup := 2 * ttl
	if ttl <= 0 {
		ttl, cleanup = cache.NoExpiration, 0
	}
	return &CachedEmbedder{inner: inner, cache: cache.New(ttl, cleanup)}
}

func cacheKey(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(text), 36) + ":" + strconv.Itoa(len(text))
}

// Embed returns the cached embedding for text or computes it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, v, cache.DefaultExpiration)
	return v, nil
}

// EmbedBatch sends only the texts missing from the cache to the inner embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, text := range texts {
		if v, ok := c.cache.Get(cacheKey(text)); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, text)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vecs {
		out[slots[j]] = v
		c.cache.Set(cacheKey(missing[j]), v, cache.DefaultExpiration)
	}
	return out, nil
}

// Dimensions returns the inner embedder's dimension.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Close flushes the cache and closes the inner embedder.
func (c *CachedEmbedder) Close() error {
	c.cache.Flush()
	return c.inner.Close()
}

// Len returns the number of cached embeddings.
func (c *CachedEmbedder) Len() int { return c.cache.ItemCount() }
