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
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process coalesce.Cache over go-cache. Entries written by
// TryAdd never expire; TryUpdate sets or clears the expiration.
type MemoryCache[V any] struct {
	c *gocache.Cache
}

// NewMemoryCache returns an empty cache purging expired entries every cleanup.
func NewMemoryCache[V any](cleanup time.Duration) *MemoryCache[V] {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryCache[V]{c: gocache.New(gocache.NoExpiration, cleanup)}
}

func (m *MemoryCache[V]) TryGet(_ context.Context, key string) (V, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (m *MemoryCache[V]) TryAdd(_ context.Context, key string, value V) bool {
	return m.c.Add(key, value, gocache.NoExpiration) == nil
}

func (m *MemoryCache[V]) TryUpdate(_ context.Context, key string, value V, ttl time.Duration) bool {
	d := gocache.NoExpiration
	if ttl > 0 {
		d = ttl
	}
	return m.c.Replace(key, value, d) == nil
}

func (m *MemoryCache[V]) TryRemove(_ context.Context, key string) bool {
	if _, ok := m.c.Get(key); !ok {
		return false
	}
	m.c.Delete(key)
	return true
}

// ExpiresAt returns the expiration of key; the zero time means it never expires.
func (m *MemoryCache[V]) ExpiresAt(key string) (time.Time, bool) {
	_, exp, ok := m.c.GetWithExpiration(key)
	return exp, ok
}

// Len returns the number of entries, including expired ones not yet purged.
func (m *MemoryCache[V]) Len() int { return m.c.ItemCount() }
