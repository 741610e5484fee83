// Package builtin supplies the factory functions the daemon registers
// by default: simple cache adapters usable as entry_point candidates
// before any local config or remote manifest overrides them, grounded
// on the teacher's in-memory/Redis store pairs (e.g.
// packages/com.r3e.services.mixer/service/store_memory.go and its
// store_postgres.go sibling).
package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
)

// MemoryCacheFactory is the factory string an in-process cache adapter
// registers under.
const MemoryCacheFactory = "oneiric.adapters.memory_cache"

// RedisCacheFactory is the factory string a Redis-backed cache adapter
// registers under.
const RedisCacheFactory = "oneiric.adapters.redis_cache"

// MemoryCache is a process-local cache adapter instance.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryCacheFactory returns a lifecycle.Factory building MemoryCache
// instances.
func NewMemoryCacheFactory() lifecycle.Factory {
	return func(context.Context, candidate.Candidate) (lifecycle.Instance, error) {
		return &MemoryCache{data: make(map[string]string)}, nil
	}
}

func (c *MemoryCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MemoryCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *MemoryCache) Health(context.Context) lifecycle.Health {
	return lifecycle.Health{OK: true, Timestamp: time.Now()}
}

func (c *MemoryCache) Close(context.Context) error { return nil }

// RedisCache is a Redis-backed cache adapter instance. Its candidate's
// Settings map supplies "addr" (default "localhost:6379").
type RedisCache struct {
	client *redis.Client
}

// NewRedisCacheFactory returns a lifecycle.Factory building RedisCache
// instances from a candidate's Settings.
func NewRedisCacheFactory() lifecycle.Factory {
	return func(ctx context.Context, c candidate.Candidate) (lifecycle.Instance, error) {
		addr, _ := c.Settings["addr"].(string)
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis cache adapter at %s: %w", addr, err)
		}
		return &RedisCache{client: client}, nil
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string) error {
	return c.client.Set(ctx, key, value, 0).Err()
}

func (c *RedisCache) Health(ctx context.Context) lifecycle.Health {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return lifecycle.Health{OK: false, Detail: err.Error(), Timestamp: time.Now()}
	}
	return lifecycle.Health{OK: true, Timestamp: time.Now()}
}

func (c *RedisCache) Close(context.Context) error {
	return c.client.Close()
}
