package rbac

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// PermissionCache stores resolved permission sets by user ID. It is a pure
// performance layer: the Resolver decides when entries may be written and
// invalidates them on every mutation. Cached sets are shared and must be
// treated as read-only.
type PermissionCache interface {
	// Get returns the cached set for userID and whether it was present
	Get(ctx context.Context, userID int64) (*EffectivePermissionSet, bool, error)

	// Set stores set under set.UserID
	Set(ctx context.Context, set *EffectivePermissionSet) error

	// Delete removes the entries of userIDs
	Delete(ctx context.Context, userIDs ...int64) error

	// Purge removes every entry
	Purge(ctx context.Context) error
}

// GenerationCache is a PermissionCache shared between processes. Writes are
// conditional on a per-user generation that Delete and Purge advance, so a
// process cannot repopulate an entry another process just invalidated.
type GenerationCache interface {
	PermissionCache

	// Generation returns an opaque token for userID's current generation
	Generation(ctx context.Context, userID int64) (string, error)

	// SetIfGeneration stores set only if the generation still equals gen
	SetIfGeneration(ctx context.Context, set *EffectivePermissionSet, gen string) (bool, error)
}

// Default cache bounds
const (
	DefaultCacheSize = 10000
	DefaultCacheTTL  = 30 * time.Second
)

// LRUCache is an in-process PermissionCache bounded by size and TTL
type LRUCache struct {
	cache *lru.LRU[int64, *EffectivePermissionSet]
}

// NewLRUCache creates an in-memory cache. Non-positive arguments fall back to
// the defaults.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &LRUCache{
		cache: lru.NewLRU[int64, *EffectivePermissionSet](size, nil, ttl),
	}
}

// Get retrieves a cached set
func (c *LRUCache) Get(ctx context.Context, userID int64) (*EffectivePermissionSet, bool, error) {
	set, ok := c.cache.Get(userID)
	return set, ok, nil
}

// Set stores a set
func (c *LRUCache) Set(ctx context.Context, set *EffectivePermissionSet) error {
	if set == nil {
		return nil
	}
	c.cache.Add(set.UserID, set)
	return nil
}

// Delete removes cached sets
func (c *LRUCache) Delete(ctx context.Context, userIDs ...int64) error {
	for _, id := range userIDs {
		c.cache.Remove(id)
	}
	return nil
}

// Purge clears the cache
func (c *LRUCache) Purge(ctx context.Context) error {
	c.cache.Purge()
	return nil
}

// Len returns the number of cached sets
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// NoopCache never stores anything; every resolve reads the store
type NoopCache struct{}

func (NoopCache) Get(context.Context, int64) (*EffectivePermissionSet, bool, error) {
	return nil, false, nil
}
func (NoopCache) Set(context.Context, *EffectivePermissionSet) error { return nil }
func (NoopCache) Delete(context.Context, ...int64) error             { return nil }
func (NoopCache) Purge(context.Context) error                        { return nil }
