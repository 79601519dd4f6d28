package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HotPathCache short-circuits duplicate checks before the primary store.
// Cache failures are best-effort: the service logs and falls through.
type HotPathCache interface {
	// SetNX claims key for ttl; firstSet is false when it already existed.
	SetNX(ctx context.Context, key string, ttl time.Duration) (firstSet bool, err error)
}

// RedisCache implements HotPathCache on a shared redis instance.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache using client; keys are namespaced under
// "dedupe:".
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "dedupe:"}
}

// SetNX implements HotPathCache.
func (c *RedisCache) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+key, 1, ttl).Result()
}

// MemoryCache is the in-process reference implementation.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

// SetNX implements HotPathCache.
func (c *MemoryCache) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	if expires, ok := c.entries[key]; ok && expires.After(now) {
		return false, nil
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}
