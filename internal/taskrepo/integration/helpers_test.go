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

// Package integration contains tests spanning the repository, its stores and caches.
package integration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"taskrepo/internal/taskrepo/core"
	"taskrepo/pkg/coalesce"
	"taskrepo/pkg/retry"
)

// countingStore counts round-trips to the backing memory store and can hold every
// commit behind a gate.
type countingStore struct {
	*coalesce.MemoryStore[string, core.Task]

	commits atomic.Int64
	rows    atomic.Int64

	mu   sync.Mutex
	gate chan struct{}
}

func newCountingStore() *countingStore {
	open := make(chan struct{})
	close(open)
	return &countingStore{
		MemoryStore: coalesce.NewMemoryStore[string, core.Task](core.TaskKey, core.TaskFields),
		gate:        open,
	}
}

// hold makes commits block until the returned release func is called.
func (s *countingStore) hold() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gate = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (s *countingStore) currentGate() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

func (s *countingStore) NewSession(ctx context.Context) (coalesce.Session[core.Task], error) {
	inner, err := s.MemoryStore.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return &countingSession{Session: inner, store: s}, nil
}

type countingSession struct {
	coalesce.Session[core.Task]
	store *countingStore
	n     int
}

func (c *countingSession) Insert(items ...core.Task) {
	c.n += len(items)
	c.Session.Insert(items...)
}

func (c *countingSession) Replace(items ...core.Task) {
	c.n += len(items)
	c.Session.Replace(items...)
}

func (c *countingSession) Remove(items ...core.Task) {
	c.n += len(items)
	c.Session.Remove(items...)
}

func (c *countingSession) SaveChanges(ctx context.Context) error {
	select {
	case <-c.store.currentGate():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.Session.SaveChanges(ctx); err != nil {
		return err
	}
	c.store.commits.Add(1)
	c.store.rows.Add(int64(c.n))
	return nil
}

type repoOptions struct {
	batchSize int
	cache     coalesce.Cache[string, core.Task]
	submitted *atomic.Int64
}

func startRepository(t *testing.T, store coalesce.Store[core.Task], o repoOptions) *core.TaskRepository {
	t.Helper()
	var hooks coalesce.Hooks[core.Task]
	if o.submitted != nil {
		hooks.OnSubmit = func(coalesce.Action) { o.submitted.Add(1) }
	}
	repo, err := core.NewTaskRepository(store, core.Options{
		BatchSize:   o.batchSize,
		Retry:       &retry.Policy{MaxAttempts: 1},
		Hooks:       hooks,
		Cache:       o.cache,
		InactiveTTL: time.Hour,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewTaskRepository: %v", err)
	}
	repo.Start(context.Background())
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func taskID(i int) string { return fmt.Sprintf("task-%04d", i) }

func newTask(i int, state core.State) core.Task {
	return core.Task{
		ID:    taskID(i),
		State: state,
		Name:  fmt.Sprintf("job %d", i),
		Tags:  map[string]string{"shard": fmt.Sprintf("%d", i%4)},
	}
}
