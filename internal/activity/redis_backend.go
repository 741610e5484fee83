package activity

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// RedisBackend persists activity records as string keys under a common
// prefix, for deployments that already run Redis for the cache adapter
// and want a shared durable store across orchestrator replicas.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend wraps an existing *redis.Client. prefix namespaces the
// keys this backend owns (e.g. "oneiric:activity:").
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "oneiric:activity:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) namespaced(key string) string {
	return r.prefix + key
}

func (r *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	return r.client.Set(ctx, r.namespaced(key), data, 0).Err()
}

func (r *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.namespaced(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return data, err
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.namespaced(key)).Err()
}

func (r *RedisBackend) List(ctx context.Context) ([]string, error) {
	raw, err := r.client.Keys(ctx, r.prefix+"*").Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		out = append(out, k[len(r.prefix):])
	}
	return out, nil
}
