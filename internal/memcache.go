package internal

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// MemoryCache is the bounded TTL tier. Entries are a subset of the durable
// store's truth; nothing here is authoritative. Eviction happens on TTL
// expiry and on size pressure via ristretto's admission policy.
type MemoryCache struct {
	cache      *gocache.Cache[[]byte]
	client     *ristretto.Cache
	defaultTTL time.Duration
}

// NewMemoryCache creates a memory cache bounded to roughly maxItems entries.
func NewMemoryCache(maxItems int64, defaultTTL time.Duration) (*MemoryCache, error) {
	if maxItems <= 0 {
		maxItems = 100_000
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	client, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
		Metrics:     true,
		Cost:        func(any) int64 { return 1 },
	})
	if err != nil {
		return nil, err
	}
	st := ristretto_store.NewRistretto(client, store.WithExpiration(defaultTTL))
	return &MemoryCache{
		cache:      gocache.New[[]byte](st),
		client:     client,
		defaultTTL: defaultTTL,
	}, nil
}

// Get returns the cached value for key, if present and unexpired.
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := m.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return val, true
}

// GetWithTTL additionally returns the remaining TTL.
func (m *MemoryCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	val, ttl, err := m.cache.GetWithTTL(ctx, key)
	if err != nil {
		return nil, 0, false
	}
	return val, ttl, true
}

// Set stores a value under key with the given TTL. Tags group entries for
// bulk invalidation; use bookTag to associate entries with a book. A
// non-positive TTL falls back to the default.
func (m *MemoryCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	opts := []store.Option{store.WithExpiration(ttl)}
	if len(tags) > 0 {
		opts = append(opts, store.WithTags(tags))
	}
	if err := m.cache.Set(ctx, key, val, opts...); err != nil {
		Log(ctx).Warn("problem writing memory cache", "key", key, "err", err)
	}
}

// Delete removes a single key.
func (m *MemoryCache) Delete(ctx context.Context, key string) {
	_ = m.cache.Delete(ctx, key)
}

// Invalidate drops every entry carrying any of the given tags.
func (m *MemoryCache) Invalidate(ctx context.Context, tags ...string) {
	if len(tags) == 0 {
		return
	}
	if err := m.cache.Invalidate(ctx, store.WithInvalidateTags(tags)); err != nil {
		Log(ctx).Warn("problem invalidating memory cache", "tags", tags, "err", err)
	}
}

// Clear drops everything.
func (m *MemoryCache) Clear(ctx context.Context) {
	_ = m.cache.Clear(ctx)
}

// Len approximates the number of live entries.
func (m *MemoryCache) Len() int64 {
	met := m.client.Metrics
	if met == nil {
		return 0
	}
	added := int64(met.KeysAdded())
	gone := int64(met.KeysEvicted())
	if gone > added {
		return 0
	}
	return added - gone
}

// wait flushes ristretto's internal buffers. Writes are asynchronous, so
// tests call this before asserting on reads.
func (m *MemoryCache) wait() {
	m.client.Wait()
}
