package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const roundRobinKeyPrefix = "routecodex:rr:"
const roundRobinKeyTTL = 24 * time.Hour

// RoundRobinStore hands out rotating pool indices. The memory store is the
// default; the Redis store shares counters across gateway replicas.
type RoundRobinStore interface {
	NextIndex(ctx context.Context, key string, modulo int) (int, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// MemoryRoundRobinStore keeps round-robin counters in memory.
type MemoryRoundRobinStore struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewMemoryRoundRobinStore creates a new in-memory round-robin store.
func NewMemoryRoundRobinStore() *MemoryRoundRobinStore {
	return &MemoryRoundRobinStore{
		counters: make(map[string]uint64),
	}
}

// NextIndex returns the next round-robin index for the key.
func (m *MemoryRoundRobinStore) NextIndex(_ context.Context, key string, modulo int) (int, error) {
	if modulo <= 0 {
		return 0, fmt.Errorf("modulo must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.counters[key]
	m.counters[key] = next + 1
	// #nosec G115 -- modulo bounds the value; result fits in int.
	return int(next % uint64(modulo)), nil
}

// Reset clears the counter for the key.
func (m *MemoryRoundRobinStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	return nil
}

// Close releases resources (no-op for memory store).
func (m *MemoryRoundRobinStore) Close() error {
	return nil
}

// RedisRoundRobinStore keeps round-robin counters in Redis so replicas
// rotate through a pool together. Redis failures fall back to a local
// counter rather than failing the request.
type RedisRoundRobinStore struct {
	client redis.UniversalClient
	local  *MemoryRoundRobinStore
}

// NewRedisRoundRobinStore creates a new Redis-backed round-robin store.
func NewRedisRoundRobinStore(client redis.UniversalClient) *RedisRoundRobinStore {
	return &RedisRoundRobinStore{
		client: client,
		local:  NewMemoryRoundRobinStore(),
	}
}

// NextIndex returns the next round-robin index for the key.
func (r *RedisRoundRobinStore) NextIndex(ctx context.Context, key string, modulo int) (int, error) {
	if modulo <= 0 {
		return 0, fmt.Errorf("modulo must be positive")
	}
	if r.client == nil {
		return r.local.NextIndex(ctx, key, modulo)
	}

	fullKey := roundRobinKeyPrefix + key
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, roundRobinKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.local.NextIndex(ctx, key, modulo)
	}
	// #nosec G115 -- modulo bounds the value; result fits in int.
	return int((incr.Val() - 1) % int64(modulo)), nil
}

// Reset clears the counter for the key.
func (r *RedisRoundRobinStore) Reset(ctx context.Context, key string) error {
	if r.client == nil {
		return r.local.Reset(ctx, key)
	}
	_ = r.local.Reset(ctx, key)
	return r.client.Del(ctx, roundRobinKeyPrefix+key).Err()
}

// Close releases the Redis connection.
func (r *RedisRoundRobinStore) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
