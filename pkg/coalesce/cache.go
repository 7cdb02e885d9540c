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

package coalesce

import (
	"context"
	"time"
)

// DefaultInactiveTTL is how long an inactive entity stays cached after its last sync.
const DefaultInactiveTTL = 24 * time.Hour

// Cache is a best-effort fast-lookup collaborator. It is never the source of
// truth and has no transactional link to the store. A ttl <= 0 means no expiration.
type Cache[K comparable, V any] interface {
	TryGet(ctx context.Context, key K) (V, bool)
	TryAdd(ctx context.Context, key K, value V) bool
	TryUpdate(ctx context.Context, key K, value V, ttl time.Duration) bool
	TryRemove(ctx context.Context, key K) bool
}

// CacheSync keeps active entities cached without expiration.
type CacheSync[K comparable, T any] struct {
	Cache       Cache[K, T]
	KeyOf       func(T) K
	IsActive    func(T) bool
	InactiveTTL time.Duration
}

// Sync applies SyncActive with the configured functions and returns entity.
func (c CacheSync[K, T]) Sync(ctx context.Context, entity T) T {
	return SyncActive(ctx, c.Cache, entity, c.KeyOf, c.IsActive, c.InactiveTTL)
}

// SyncActive refreshes a cached entry for entity: kept without expiration while
// isActive holds, otherwise expiring ttl from now (DefaultInactiveTTL if ttl <= 0).
// An uncached entity is inserted only when active. It returns entity.
func SyncActive[K comparable, T any](ctx context.Context, cache Cache[K, T], entity T, keyOf func(T) K, isActive func(T) bool, ttl time.Duration) T {
	return SyncActiveAs(ctx, cache, entity, keyOf, isActive, ttl, func(t T) T { return t })
}

// SyncActiveAs is SyncActive returning project(entity).
func SyncActiveAs[K comparable, T any, R any](ctx context.Context, cache Cache[K, T], entity T, keyOf func(T) K, isActive func(T) bool, ttl time.Duration, project func(T) R) R {
	if cache == nil {
		return project(entity)
	}
	if ttl <= 0 {
		ttl = DefaultInactiveTTL
	}
	key := keyOf(entity)
	active := isActive(entity)

	if _, found := cache.TryGet(ctx, key); found {
		expiry := ttl
		if active {
			expiry = 0
		}
		cache.TryUpdate(ctx, key, entity, expiry)
	} else if active {
		cache.TryAdd(ctx, key, entity)
	}
	return project(entity)
}
