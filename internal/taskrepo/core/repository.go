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

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskrepo/pkg/coalesce"
	"taskrepo/pkg/retry"
)

// tagPredicate matches a tag key/value pair inside the json column.
const tagPredicate = `"json"->'tags'->>$1 = $2`

// Options configure a TaskRepository.
type Options struct {
	BatchSize    int
	Retry        *retry.Policy
	Hooks        coalesce.Hooks[Task]
	OnWriterExit func(error)

	// Cache is optional. Active tasks are kept without expiry, others for InactiveTTL.
	Cache       coalesce.Cache[string, Task]
	InactiveTTL time.Duration

	Logger *zap.Logger
	// Now is replaced in tests.
	Now func() time.Time
}

// TaskRepository is the task-facing API over the coalescing writer. Writes wait for
// their batch to commit; reads go to the cache first, then to the store.
//
// The writer applies committed changes to the cache before releasing their
// futures, so cache entries follow commit order.
type TaskRepository struct {
	writer *coalesce.Repository[string, Task]
	cache  coalesce.CacheSync[string, Task]
	log    *zap.Logger
	now    func() time.Time

	// cacheMu serializes cache writes. commits counts batches applied to the
	// cache; read-through fills are dropped when it moved during the read.
	cacheMu sync.Mutex
	commits uint64
}

// NewTaskRepository wires a writer over store. Call Start before submitting writes.
func NewTaskRepository(store coalesce.Store[Task], opts Options) (*TaskRepository, error) {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &TaskRepository{
		cache: coalesce.CacheSync[string, Task]{
			Cache:       opts.Cache,
			KeyOf:       TaskKey,
			IsActive:    IsActive,
			InactiveTTL: opts.InactiveTTL,
		},
		log: opts.Logger.Named("tasks"),
		now: opts.Now,
	}

	hooks := opts.Hooks
	if opts.Cache != nil {
		next := hooks.OnApplied
		hooks.OnApplied = func(ctx context.Context, changes []coalesce.Change[Task]) {
			r.applyToCache(ctx, changes)
			if next != nil {
				next(ctx, changes)
			}
		}
	}
	writer, err := coalesce.New[string, Task](store, coalesce.Options[string, Task]{
		KeyOf:        TaskKey,
		BatchSize:    opts.BatchSize,
		Retry:        opts.Retry,
		Logger:       opts.Logger,
		Hooks:        hooks,
		OnWriterExit: opts.OnWriterExit,
	})
	if err != nil {
		return nil, err
	}
	r.writer = writer
	return r, nil
}

// applyToCache runs on the writer goroutine for every committed batch, in the
// order the store applied it: inserts, replacements, then removals.
func (r *TaskRepository) applyToCache(ctx context.Context, changes []coalesce.Change[Task]) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.commits++
	for _, action := range []coalesce.Action{coalesce.Add, coalesce.Update, coalesce.Delete} {
		for _, c := range changes {
			if c.Action != action {
				continue
			}
			if action == coalesce.Delete {
				r.cache.Cache.TryRemove(ctx, TaskKey(c.Entity))
				continue
			}
			r.cache.Sync(ctx, c.Entity)
		}
	}
}

// Start launches the background writer.
func (r *TaskRepository) Start(ctx context.Context) { r.writer.Start(ctx) }

// Close stops the writer; see coalesce.Repository.Close.
func (r *TaskRepository) Close() error { return r.writer.Close() }

// Running reports whether the writer loop is alive.
func (r *TaskRepository) Running() bool { return r.writer.Running() }

// Pending returns the number of queued writes.
func (r *TaskRepository) Pending() int { return r.writer.Pending() }

// InFlightUpdates returns the number of tasks with an unresolved update.
func (r *TaskRepository) InFlightUpdates() int { return r.writer.InFlightUpdates() }

// CreateItem stores a new task. A missing state defaults to QUEUED and a zero
// creation time to now.
func (r *TaskRepository) CreateItem(ctx context.Context, t Task) (Task, error) {
	now := r.now().UTC()
	if t.State == "" {
		t.State = StateQueued
	}
	if t.CreationTime.IsZero() {
		t.CreationTime = now
	}
	t.UpdatedAt = now
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	f, err := r.writer.Add(t)
	if err != nil {
		return Task{}, err
	}
	return f.Wait(ctx)
}

// UpdateItem replaces an existing task. It fails with coalesce.ErrCollision when
// another update for the same task is still pending, and with ErrNotFound when
// the task does not exist.
func (r *TaskRepository) UpdateItem(ctx context.Context, t Task) (Task, error) {
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	existing, found, err := r.TryGetItem(ctx, t.ID)
	if err != nil {
		return Task{}, err
	}
	if !found {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	t.CreationTime = existing.CreationTime
	t.UpdatedAt = r.now().UTC()
	return r.update(ctx, t)
}

// CancelItem moves a task towards CANCELED.
func (r *TaskRepository) CancelItem(ctx context.Context, id string) (Task, error) {
	t, found, err := r.TryGetItem(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if !found {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := t.CancelTarget()
	if err != nil {
		return Task{}, err
	}
	t.State = next
	t.UpdatedAt = r.now().UTC()
	return r.update(ctx, t)
}

func (r *TaskRepository) update(ctx context.Context, t Task) (Task, error) {
	f, err := r.writer.Update(t)
	if err != nil {
		return Task{}, err
	}
	saved, err := f.Wait(ctx)
	if err != nil {
		return Task{}, mapMissing(err, t.ID)
	}
	return saved, nil
}

// DeleteItem removes a task. The writer evicts it from the cache on commit.
func (r *TaskRepository) DeleteItem(ctx context.Context, id string) error {
	t, found, err := r.TryGetItem(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	f, err := r.writer.Delete(t)
	if err != nil {
		return err
	}
	if _, err := f.Wait(ctx); err != nil {
		return mapMissing(err, id)
	}
	return nil
}

// TryGetItem looks a task up in the cache, then in the store. A store hit
// refreshes the cache entry unless a batch committed while it was being read.
func (r *TaskRepository) TryGetItem(ctx context.Context, id string) (Task, bool, error) {
	var seen uint64
	if r.cache.Cache != nil {
		if t, ok := r.cache.Cache.TryGet(ctx, id); ok {
			return t, true, nil
		}
		r.cacheMu.Lock()
		seen = r.commits
		r.cacheMu.Unlock()
	}
	rows, err := r.writer.Query(ctx, coalesce.Where("id", coalesce.Eq, id), coalesce.Paginate(0, 1))
	if err != nil {
		return Task{}, false, err
	}
	if len(rows) == 0 {
		return Task{}, false, nil
	}
	t := rows[0]
	if r.cache.Cache != nil {
		r.cacheMu.Lock()
		if r.commits == seen {
			r.cache.Sync(ctx, t)
		} else {
			r.log.Debug("Skipping stale cache fill", zap.String("id", id))
		}
		r.cacheMu.Unlock()
	}
	return t, true, nil
}

// GetItems runs an arbitrary query against the store.
func (r *TaskRepository) GetItems(ctx context.Context, opts ...coalesce.QueryOption) ([]Task, error) {
	return r.writer.Query(ctx, opts...)
}

// ListByState returns tasks in state, oldest first.
func (r *TaskRepository) ListByState(ctx context.Context, state State, skip, take int) ([]Task, error) {
	return r.writer.Query(ctx,
		coalesce.Where("state", coalesce.Eq, string(state)),
		coalesce.OrderBy("created_at"),
		coalesce.Paginate(skip, take))
}

// ListActive returns every task in an active state, oldest first.
func (r *TaskRepository) ListActive(ctx context.Context, skip, take int) ([]Task, error) {
	active := ActiveStates()
	names := make([]string, len(active))
	for i, s := range active {
		names[i] = string(s)
	}
	return r.writer.Query(ctx,
		coalesce.Where("state", coalesce.In, names),
		coalesce.OrderBy("created_at"),
		coalesce.Paginate(skip, take))
}

// ListByTag returns tasks carrying tag key=value, optionally restricted to state.
// Stores without raw predicate support are filtered in process.
func (r *TaskRepository) ListByTag(ctx context.Context, key, value string, state State, skip, take int) ([]Task, error) {
	opts := []coalesce.QueryOption{coalesce.WithRaw(tagPredicate, key, value)}
	if state != "" {
		opts = append(opts, coalesce.Where("state", coalesce.Eq, string(state)))
	}
	opts = append(opts, coalesce.OrderBy("created_at"), coalesce.Paginate(skip, take))

	rows, err := r.writer.Query(ctx, opts...)
	if !errors.Is(err, coalesce.ErrRawUnsupported) {
		return rows, err
	}

	r.log.Debug("Store has no raw predicates, filtering tags in process")
	opts = opts[1 : len(opts)-1]
	all, err := r.writer.Query(ctx, opts...)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if v, ok := t.Tags[key]; ok && v == value {
			out = append(out, t)
		}
	}
	return page(out, skip, take), nil
}

func page(rows []Task, skip, take int) []Task {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(rows) {
		return []Task{}
	}
	rows = rows[skip:]
	if take > 0 && take < len(rows) {
		rows = rows[:take]
	}
	return rows
}

func mapMissing(err error, id string) error {
	if errors.Is(err, coalesce.ErrMissingKey) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
	}
	return err
}
