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

import "github.com/puzpuzpuz/xsync/v3"

// Guard tracks keys that have an update in flight. Keys are domain identities,
// so two in-memory copies of the same row collide.
type Guard[K comparable] struct {
	inflight *xsync.MapOf[K, struct{}]
}

// NewGuard returns an empty guard.
func NewGuard[K comparable]() *Guard[K] {
	return &Guard[K]{inflight: xsync.NewMapOf[K, struct{}]()}
}

// TryBegin marks key as updating. It returns false if key was already marked.
func (g *Guard[K]) TryBegin(key K) bool {
	_, loaded := g.inflight.LoadOrStore(key, struct{}{})
	return !loaded
}

// End clears the mark for key unconditionally.
func (g *Guard[K]) End(key K) {
	g.inflight.Delete(key)
}

// Len returns the number of keys currently marked.
func (g *Guard[K]) Len() int {
	return g.inflight.Size()
}
