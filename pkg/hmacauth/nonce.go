package hmacauth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore remembers seen nonces for a TTL. Register returns true only
// for the first occurrence.
type NonceStore interface {
	Register(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisNonceStore shares replay protection across instances.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceStore creates a store on client.
func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "hmac:nonce:"}
}

func (s *RedisNonceStore) Register(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
}

// MemoryNonceStore is the single-process fallback.
type MemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

// NewMemoryNonceStore creates an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryNonceStore) WithClock(clock func() time.Time) *MemoryNonceStore {
	s.clock = clock
	return s
}

func (s *MemoryNonceStore) Register(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if expiry, ok := s.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

// Sweep drops expired entries.
func (s *MemoryNonceStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	n := 0
	for k, expiry := range s.seen {
		if !now.Before(expiry) {
			delete(s.seen, k)
			n++
		}
	}
	return n
}
