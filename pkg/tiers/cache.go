package tiers

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedReader caches tier lookups in an expiring LRU
type CachedReader struct {
	source Reader
	cache  *lru.LRU[int64, *Tier]
}

// NewCachedReader wraps source with a cache of size entries that expire after ttl
func NewCachedReader(source Reader, size int, ttl time.Duration) *CachedReader {
	if size <= 0 {
		size = 128
	}
	return &CachedReader{
		source: source,
		cache:  lru.NewLRU[int64, *Tier](size, nil, ttl),
	}
}

// GetTier returns the cached tier or loads it from the source
func (c *CachedReader) GetTier(ctx context.Context, id int64) (*Tier, error) {
	if t, ok := c.cache.Get(id); ok {
		copied := *t
		return &copied, nil
	}
	t, err := c.source.GetTier(ctx, id)
	if err != nil {
		return nil, err
	}
	stored := *t
	c.cache.Add(id, &stored)
	return t, nil
}

// ListTiers always reads through; listings are rare and must reflect admin edits
func (c *CachedReader) ListTiers(ctx context.Context, activeOnly bool) ([]*Tier, error) {
	return c.source.ListTiers(ctx, activeOnly)
}

// Purge drops every cached tier
func (c *CachedReader) Purge() {
	c.cache.Purge()
}

// Invalidate drops a single tier
func (c *CachedReader) Invalidate(id int64) {
	c.cache.Remove(id)
}
