package retrieval

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache memoizes Embedder results keyed by content hash, with bounded size
// (LRU eviction) and bounded age (entries expire a TTL after creation and
// are treated as absent on next access). The underlying LRU takes its own
// short-lived lock; the provider call happens with no lock held, so two
// goroutines may redundantly compute the same key. That cost is accepted
// over holding a lock across network I/O.
type Cache struct {
	embedder *Embedder
	lru      *expirable.LRU[string, []float32]

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports hit/miss counters and the current entry count.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// NewCache wraps embedder with a TTL+LRU memoization layer.
func NewCache(embedder *Embedder, capacity int, ttl time.Duration) *Cache {
	return &Cache{
		embedder: embedder,
		lru:      expirable.NewLRU[string, []float32](capacity, nil, ttl),
	}
}

// Model returns the wrapped embedder's model identifier.
func (c *Cache) Model() string { return c.embedder.Model() }

// GetOrCompute returns the cached vector for text if present and fresh,
// otherwise calls the provider and stores the result. Lookup is by exact
// content hash, not fuzzy matching.
func (c *Cache) GetOrCompute(ctx context.Context, text string) ([]float32, error) {
	key := HashContent(text)

	if vec, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, vec)
	return vec, nil
}

// Stats returns the hit/miss counters and current size.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.lru.Len(),
	}
}

// Purge drops every cached entry. Counters are preserved.
func (c *Cache) Purge() {
	c.lru.Purge()
}
