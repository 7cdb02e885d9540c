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
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateKey = errors.New("coalesce: duplicate key")
	ErrMissingKey   = errors.New("coalesce: key not found")
)

// MemoryStore is an in-process Store. It backs the "memory" adapter and tests.
// Typed predicates and ordering read entity fields through the fields accessor;
// raw predicates are rejected.
type MemoryStore[K comparable, T any] struct {
	keyOf  func(T) K
	fields func(T) map[string]any

	mu    sync.RWMutex
	rows  map[K]T
	order []K
}

// NewMemoryStore returns an empty store.
func NewMemoryStore[K comparable, T any](keyOf func(T) K, fields func(T) map[string]any) *MemoryStore[K, T] {
	return &MemoryStore[K, T]{
		keyOf:  keyOf,
		fields: fields,
		rows:   make(map[K]T),
	}
}

// Len returns the number of stored rows.
func (s *MemoryStore[K, T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Get returns the row stored under key.
func (s *MemoryStore[K, T]) Get(key K) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.rows[key]
	return v, ok
}

// NewSession implements Store.
func (s *MemoryStore[K, T]) NewSession(ctx context.Context) (Session[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memSession[K, T]{store: s}, nil
}

// Select implements Store.
func (s *MemoryStore[K, T]) Select(ctx context.Context, q Query) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Raw != nil {
		return nil, ErrRawUnsupported
	}

	s.mu.RLock()
	out := make([]T, 0, len(s.rows))
	for _, k := range s.order {
		out = append(out, s.rows[k])
	}
	s.mu.RUnlock()

	filtered := out[:0]
	for _, row := range out {
		ok, err := s.match(row, q.Where)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, row)
		}
	}
	out = filtered

	if len(q.OrderBy) > 0 {
		var sortErr error
		sort.SliceStable(out, func(i, j int) bool {
			fi, fj := s.fields(out[i]), s.fields(out[j])
			for _, o := range q.OrderBy {
				a, okA := fi[o.Column]
				b, okB := fj[o.Column]
				if !okA || !okB {
					sortErr = fmt.Errorf("coalesce: unknown column %q", o.Column)
					return false
				}
				c, err := compareValues(a, b)
				if err != nil {
					sortErr = err
					return false
				}
				if c == 0 {
					continue
				}
				if o.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	if p := q.Page; p != nil {
		skip := p.Skip
		if skip < 0 {
			skip = 0
		}
		if skip >= len(out) {
			return []T{}, nil
		}
		out = out[skip:]
		if p.Take > 0 && p.Take < len(out) {
			out = out[:p.Take]
		}
	}
	return out, nil
}

func (s *MemoryStore[K, T]) match(row T, preds []Predicate) (bool, error) {
	if len(preds) == 0 {
		return true, nil
	}
	f := s.fields(row)
	for _, p := range preds {
		v, ok := f[p.Column]
		if !ok {
			return false, fmt.Errorf("coalesce: unknown column %q", p.Column)
		}
		hit, err := evalPredicate(v, p)
		if err != nil {
			return false, err
		}
		if !hit {
			return false, nil
		}
	}
	return true, nil
}

func evalPredicate(v any, p Predicate) (bool, error) {
	if p.Op == In {
		rv := reflect.ValueOf(p.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false, fmt.Errorf("coalesce: IN on %q needs a slice, got %T", p.Column, p.Value)
		}
		for i := 0; i < rv.Len(); i++ {
			c, err := compareValues(v, rv.Index(i).Interface())
			if err != nil {
				return false, err
			}
			if c == 0 {
				return true, nil
			}
		}
		return false, nil
	}
	c, err := compareValues(v, p.Value)
	if err != nil {
		return false, err
	}
	switch p.Op {
	case Eq:
		return c == 0, nil
	case Ne:
		return c != 0, nil
	case Lt:
		return c < 0, nil
	case Le:
		return c <= 0, nil
	case Gt:
		return c > 0, nil
	case Ge:
		return c >= 0, nil
	default:
		return false, fmt.Errorf("coalesce: unsupported operator %v", p.Op)
	}
}

// compareValues orders two scalars of the same kind. Named types compare by
// their underlying kind, so a string-based enum matches a plain string.
func compareValues(a, b any) (int, error) {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, fmt.Errorf("coalesce: cannot compare %T with %T", a, b)
		}
		return ta.Compare(tb), nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch {
	case isString(va) && isString(vb):
		return cmp3(va.String(), vb.String()), nil
	case isInt(va) && isInt(vb):
		return cmp3(va.Int(), vb.Int()), nil
	case isUint(va) && isUint(vb):
		return cmp3(va.Uint(), vb.Uint()), nil
	case isFloat(va) && isFloat(vb):
		return cmp3(va.Float(), vb.Float()), nil
	case va.Kind() == reflect.Bool && vb.Kind() == reflect.Bool:
		x, y := 0, 0
		if va.Bool() {
			x = 1
		}
		if vb.Bool() {
			y = 1
		}
		return cmp3(x, y), nil
	}
	return 0, fmt.Errorf("coalesce: cannot compare %T with %T", a, b)
}

func isString(v reflect.Value) bool { return v.Kind() == reflect.String }

func isInt(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isFloat(v reflect.Value) bool {
	return v.Kind() == reflect.Float32 || v.Kind() == reflect.Float64
}

func cmp3[V int | int64 | uint64 | float64 | string](a, b V) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type memSession[K comparable, T any] struct {
	store   *MemoryStore[K, T]
	inserts []T
	updates []T
	removes []T
}

func (m *memSession[K, T]) Insert(items ...T)  { m.inserts = append(m.inserts, items...) }
func (m *memSession[K, T]) Replace(items ...T) { m.updates = append(m.updates, items...) }
func (m *memSession[K, T]) Remove(items ...T)  { m.removes = append(m.removes, items...) }
func (m *memSession[K, T]) Close() error       { return nil }

// SaveChanges validates the whole change set before touching any row, so a
// failure leaves the store unchanged.
func (m *memSession[K, T]) SaveChanges(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[K]bool, len(m.inserts))
	for _, it := range m.inserts {
		k := s.keyOf(it)
		if _, ok := s.rows[k]; ok || present[k] {
			return fmt.Errorf("%w: %v", ErrDuplicateKey, k)
		}
		present[k] = true
	}
	for _, it := range m.updates {
		k := s.keyOf(it)
		if _, ok := s.rows[k]; !ok && !present[k] {
			return fmt.Errorf("%w: %v", ErrMissingKey, k)
		}
	}
	for _, it := range m.removes {
		k := s.keyOf(it)
		if _, ok := s.rows[k]; !ok && !present[k] {
			return fmt.Errorf("%w: %v", ErrMissingKey, k)
		}
	}

	for _, it := range m.inserts {
		k := s.keyOf(it)
		s.rows[k] = it
		s.order = append(s.order, k)
	}
	for _, it := range m.updates {
		s.rows[s.keyOf(it)] = it
	}
	if len(m.removes) > 0 {
		gone := make(map[K]bool, len(m.removes))
		for _, it := range m.removes {
			k := s.keyOf(it)
			delete(s.rows, k)
			gone[k] = true
		}
		kept := s.order[:0]
		for _, k := range s.order {
			if !gone[k] {
				kept = append(kept, k)
			}
		}
		s.order = kept
	}
	m.inserts, m.updates, m.removes = nil, nil, nil
	return nil
}
