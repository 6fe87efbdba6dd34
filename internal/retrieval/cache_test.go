package retrieval

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// countingProvider counts raw provider calls behind the cache.
type countingProvider struct {
	calls atomic.Int64
}

func (p *countingProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	p.calls.Add(1)
	return DeterministicProvider{}.Embed(ctx, model, text)
}

func newTestCache(p Provider, capacity int, ttl time.Duration) *Cache {
	return NewCache(NewEmbedder(p, "test-model"), capacity, ttl)
}

func TestCacheHitAvoidsProviderCall(t *testing.T) {
	provider := &countingProvider{}
	cache := newTestCache(provider, 16, time.Minute)
	ctx := context.Background()

	first, err := cache.GetOrCompute(ctx, "hello")
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	second, err := cache.GetOrCompute(ctx, "hello")
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}

	if provider.calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls.Load())
	}
	if len(first) != len(second) {
		t.Errorf("cached vector has length %d, computed %d", len(second), len(first))
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}
}

func TestCacheExpiry(t *testing.T) {
	provider := &countingProvider{}
	cache := newTestCache(provider, 16, 20*time.Millisecond)
	ctx := context.Background()

	if _, err := cache.GetOrCompute(ctx, "short-lived"); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := cache.GetOrCompute(ctx, "short-lived"); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}

	if provider.calls.Load() != 2 {
		t.Errorf("provider called %d times, want 2 after expiry", provider.calls.Load())
	}
	if stats := cache.Stats(); stats.Misses != 2 {
		t.Errorf("misses = %d, want 2", stats.Misses)
	}
}

func TestCacheEviction(t *testing.T) {
	provider := &countingProvider{}
	cache := newTestCache(provider, 2, time.Minute)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := cache.GetOrCompute(ctx, text); err != nil {
			t.Fatalf("GetOrCompute(%s): %v", text, err)
		}
	}

	if stats := cache.Stats(); stats.Entries > 2 {
		t.Errorf("entries = %d, want at most the capacity 2", stats.Entries)
	}

	// "one" was evicted as least recently used, so it recomputes.
	if _, err := cache.GetOrCompute(ctx, "one"); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if provider.calls.Load() != 4 {
		t.Errorf("provider called %d times, want 4", provider.calls.Load())
	}
}

func TestCachePurgeKeepsCounters(t *testing.T) {
	provider := &countingProvider{}
	cache := newTestCache(provider, 16, time.Minute)
	ctx := context.Background()

	cache.GetOrCompute(ctx, "a")
	cache.GetOrCompute(ctx, "a")
	cache.Purge()

	stats := cache.Stats()
	if stats.Entries != 0 {
		t.Errorf("entries = %d after purge, want 0", stats.Entries)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, counters should survive a purge", stats)
	}
}
