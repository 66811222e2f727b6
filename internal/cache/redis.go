package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var _ KV = (*RedisKV)(nil)

// RedisKV implements KV on Redis. The caller owns the client lifecycle.
type RedisKV struct {
	client goredis.Cmdable
}

// NewRedisKV creates a RedisKV.
func NewRedisKV(client goredis.Cmdable) *RedisKV {
	return &RedisKV{client: client}
}

// Get returns the string at key.
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores a string.
func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetSet returns the members of a set.
func (r *RedisKV) GetSet(ctx context.Context, key string) ([]string, bool, error) {
	pipe := r.client.TxPipeline()
	exists := pipe.Exists(ctx, key)
	members := pipe.SMembers(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	if exists.Val() == 0 {
		return nil, false, nil
	}
	return members.Val(), true, nil
}

// ReplaceSet replaces a set in one transaction.
func (r *RedisKV) ReplaceSet(ctx context.Context, key string, members []string, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		pipe.SAdd(ctx, key, args...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to replace set %s: %w", key, err)
	}
	return nil
}

// UpdateTTL refreshes the expiry of keys. A zero ttl removes the expiry.
func (r *RedisKV) UpdateTTL(ctx context.Context, ttl time.Duration, keys ...string) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}
	pipe := r.client.TxPipeline()
	for _, k := range keys {
		if ttl > 0 {
			pipe.Expire(ctx, k, ttl)
		} else {
			pipe.Persist(ctx, k)
		}
	}
	exists := pipe.Exists(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to refresh ttl: %w", err)
	}
	return exists.Val() == int64(len(keys)), nil
}

// SetJSON stores v as JSON.
func (r *RedisKV) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return r.Set(ctx, key, string(data), ttl)
}

// GetJSON decodes the JSON at key into v.
func (r *RedisKV) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	s, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Ping verifies the Redis connection is alive.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
