// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persistence

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache is a coalesce.Cache over Redis. Values are stored as JSON under
// prefix+key. Redis errors are logged and reported as a miss or a failed write;
// the cache is never allowed to fail a repository call.
type RedisCache[V any] struct {
	client redis.Cmdable
	prefix string
	log    *zap.Logger
}

// NewRedisCache returns a cache using client. prefix namespaces the keys.
func NewRedisCache[V any](client redis.Cmdable, prefix string, logger *zap.Logger) *RedisCache[V] {
	if logger == nil {
		logger = zap.L()
	}
	return &RedisCache[V]{client: client, prefix: prefix, log: logger.Named("redis-cache")}
}

// RedisCacheKey returns the Redis key holding the entry for key.
func (c *RedisCache[V]) RedisCacheKey(key string) string { return c.prefix + key }

func (c *RedisCache[V]) TryGet(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, err := c.client.Get(ctx, c.RedisCacheKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("Cache get failed", zap.String("key", key), zap.Error(err))
		}
		return zero, false
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, c.RedisCacheKey(key))
		return zero, false
	}
	return v, true
}

// TryAdd stores value without expiration if key is absent (SETNX).
func (c *RedisCache[V]) TryAdd(ctx context.Context, key string, value V) bool {
	raw, ok := c.encode(key, value)
	if !ok {
		return false
	}
	set, err := c.client.SetNX(ctx, c.RedisCacheKey(key), raw, 0).Result()
	if err != nil {
		c.log.Warn("Cache add failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return set
}

// TryUpdate overwrites an existing entry (SET XX). ttl <= 0 clears any expiration.
func (c *RedisCache[V]) TryUpdate(ctx context.Context, key string, value V, ttl time.Duration) bool {
	raw, ok := c.encode(key, value)
	if !ok {
		return false
	}
	args := redis.SetArgs{Mode: "XX"}
	if ttl > 0 {
		args.TTL = ttl
	}
	err := c.client.SetArgs(ctx, c.RedisCacheKey(key), raw, args).Err()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("Cache update failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

func (c *RedisCache[V]) TryRemove(ctx context.Context, key string) bool {
	n, err := c.client.Del(ctx, c.RedisCacheKey(key)).Result()
	if err != nil {
		c.log.Warn("Cache remove failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

// Ping checks connectivity.
func (c *RedisCache[V]) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache[V]) encode(key string, value V) ([]byte, bool) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("Cache encode failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return raw, true
}
