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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"taskrepo/pkg/retry"
)

type row struct {
	ID      string
	Status  string
	Created time.Time
	Rev     int
}

func rowKey(r row) string { return r.ID }

func rowFields(r row) map[string]any {
	return map[string]any{
		"id":         r.ID,
		"status":     r.Status,
		"created_at": r.Created,
		"rev":        r.Rev,
	}
}

func newRowStore() *MemoryStore[string, row] {
	return NewMemoryStore[string, row](rowKey, rowFields)
}

// noWaitPolicy retries like the default policy but records delays instead of sleeping.
func noWaitPolicy(delays *[]time.Duration) *retry.Policy {
	var mu sync.Mutex
	return &retry.Policy{
		MaxAttempts: retry.DefaultMaxAttempts,
		Base:        retry.DefaultBase,
		IsTransient: retry.IsTransient,
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			if delays != nil {
				*delays = append(*delays, d)
			}
			return ctx.Err()
		},
	}
}

func newTestRepo(store Store[row], mutate func(*Options[string, row])) *Repository[string, row] {
	opts := Options[string, row]{
		KeyOf:  rowKey,
		Retry:  noWaitPolicy(nil),
		Logger: zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New[string, row](store, opts)
	if err != nil {
		panic(err)
	}
	return r
}

// flakyStore fails SaveChanges with a transient error a fixed number of times
// before delegating to the wrapped store.
type flakyStore struct {
	*MemoryStore[string, row]
	failures atomic.Int32
	calls    atomic.Int32
	fatal    error
	panicMsg string
	gate     chan struct{}

	selectFailures atomic.Int32
	selectCalls    atomic.Int32
	selectErr      error
}

// Select fails with selectErr, or with a transient error while selectFailures
// lasts, before delegating to the wrapped store.
func (f *flakyStore) Select(ctx context.Context, q Query) ([]row, error) {
	f.selectCalls.Add(1)
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	if f.selectFailures.Add(-1) >= 0 {
		return nil, retry.Transient(errors.New("read timeout"))
	}
	return f.MemoryStore.Select(ctx, q)
}

func (f *flakyStore) NewSession(ctx context.Context) (Session[row], error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	inner, err := f.MemoryStore.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return &flakySession{Session: inner, store: f}, nil
}

type flakySession struct {
	Session[row]
	store *flakyStore
}

func (s *flakySession) SaveChanges(ctx context.Context) error {
	s.store.calls.Add(1)
	if s.store.gate != nil {
		<-s.store.gate
	}
	if s.store.fatal != nil {
		return s.store.fatal
	}
	if s.store.failures.Add(-1) >= 0 {
		return retry.Transient(errors.New("connection reset"))
	}
	return s.Session.SaveChanges(ctx)
}

func rowsN(n int, status func(i int) string) []row {
	base := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	out := make([]row, n)
	for i := range out {
		out[i] = row{
			ID:      fmt.Sprintf("r-%02d", i+1),
			Status:  status(i),
			Created: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}
