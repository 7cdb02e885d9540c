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

// DefaultBatchSize caps how many queued writes one store round trip carries.
const DefaultBatchSize = 1000

// Hooks observe the writer. All hooks run on the writer goroutine and must not block
// for long.
type Hooks[T any] struct {
	// OnBatch is called after every batch with its size, the time spent writing it
	// and the error delivered to its futures (nil on success).
	OnBatch func(size int, elapsed time.Duration, err error)
	// OnApplied receives the changes of a successful batch before any of its
	// futures settle, so before an updated key can be claimed again. Successive
	// calls follow commit order. Use it for state that must track the store,
	// such as a cache.
	OnApplied func(ctx context.Context, changes []Change[T])
	// OnCommitted receives the changes of a successful batch after its futures
	// have settled.
	OnCommitted func(ctx context.Context, changes []Change[T])
	// OnCollision is called whenever Submit rejects an update.
	OnCollision func()
	// OnSubmit is called for every write accepted into the queue.
	OnSubmit func(action Action)
}

// Options configure a Repository. KeyOf is required.
type Options[K comparable, T any] struct {
	KeyOf     func(T) K
	BatchSize int
	Retry     *retry.Policy
	Logger    *zap.Logger
	Hooks     Hooks[T]
	// OnWriterExit receives the writer loop's terminal error, typically
	// Supervisor.WriterEnded. context.Canceled means a cooperative stop.
	OnWriterExit func(err error)
}

type writeItem[T any] struct {
	entity T
	action Action
	result *Future[T]
}

// Repository queues writes for a single background writer and serves reads
// directly from the store.
type Repository[K comparable, T any] struct {
	store     Store[T]
	keyOf     func(T) K
	batchSize int
	retry     *retry.Policy
	log       *zap.Logger
	hooks     Hooks[T]
	onExit    func(error)

	queue *Queue[*writeItem[T]]
	guard *Guard[K]

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	exitErr   error
	running   atomic.Bool
}

// New validates opts and returns a repository whose writer is not yet running.
func New[K comparable, T any](store Store[T], opts Options[K, T]) (*Repository[K, T], error) {
	if store == nil {
		return nil, errors.New("coalesce: store is required")
	}
	if opts.KeyOf == nil {
		return nil, errors.New("coalesce: KeyOf is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Retry == nil {
		opts.Retry = retry.Default(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Repository[K, T]{
		store:     store,
		keyOf:     opts.KeyOf,
		batchSize: opts.BatchSize,
		retry:     opts.Retry,
		log:       opts.Logger.Named("coalesce"),
		hooks:     opts.Hooks,
		onExit:    opts.OnWriterExit,
		queue:     NewQueue[*writeItem[T]](),
		guard:     NewGuard[K](),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the writer goroutine bound to ctx. Later calls are no-ops.
func (r *Repository[K, T]) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		r.running.Store(true)
		r.log.Info("Starting repository writer", zap.Int("batch_size", r.batchSize))
		go func() {
			err := r.run(ctx)
			r.exitErr = err
			r.running.Store(false)
			close(r.done)
			if r.onExit != nil {
				r.onExit(err)
			}
		}()
	})
}

// Running reports whether the writer loop is alive.
func (r *Repository[K, T]) Running() bool { return r.running.Load() }

// Pending returns the number of queued writes not yet pulled into a batch.
func (r *Repository[K, T]) Pending() int { return r.queue.Len() }

// InFlightUpdates returns the number of keys with an update pending.
func (r *Repository[K, T]) InFlightUpdates() int { return r.guard.Len() }

// Submit queues entity for the writer. For Update it first claims the entity's
// key and fails with a *CollisionError, without queueing, if another update for
// that key has not settled yet. ErrQueueClosed means the repository was closed.
// An unknown action is rejected with ErrInvalidAction and never reaches a batch.
func (r *Repository[K, T]) Submit(entity T, action Action) (*Future[T], error) {
	if !action.valid() {
		return nil, fmt.Errorf("submit %s: %w", action, ErrInvalidAction)
	}
	item := &writeItem[T]{entity: entity, action: action, result: newFuture[T]()}

	if action == Update {
		key := r.keyOf(entity)
		if !r.guard.TryBegin(key) {
			if r.hooks.OnCollision != nil {
				r.hooks.OnCollision()
			}
			return nil, &CollisionError{Key: key}
		}
		item.result.onSettle(func() { r.guard.End(key) })
	}

	if err := r.queue.Push(item); err != nil {
		// Release the claim; nothing will ever settle this item.
		if action == Update {
			r.guard.End(r.keyOf(entity))
		}
		r.log.Error("Write submitted to a closed queue", zap.Stringer("action", action), zap.Error(err))
		return nil, fmt.Errorf("submit %s: %w", action, err)
	}
	if r.hooks.OnSubmit != nil {
		r.hooks.OnSubmit(action)
	}
	return item.result, nil
}

// Add queues an insert.
func (r *Repository[K, T]) Add(entity T) (*Future[T], error) { return r.Submit(entity, Add) }

// Update queues a replacement.
func (r *Repository[K, T]) Update(entity T) (*Future[T], error) { return r.Submit(entity, Update) }

// Delete queues a removal.
func (r *Repository[K, T]) Delete(entity T) (*Future[T], error) { return r.Submit(entity, Delete) }

// Query reads from the store through the retry policy, bypassing the queue.
func (r *Repository[K, T]) Query(ctx context.Context, opts ...QueryOption) ([]T, error) {
	q := BuildQuery(opts...)
	return retry.Value(ctx, r.retry, func(ctx context.Context) ([]T, error) {
		return r.store.Select(ctx, q)
	})
}

// Close cancels the writer and waits for it to stop. Queued writes that were not
// yet pulled into a batch are abandoned and their futures never settle. A
// cooperative stop returns nil; any other writer outcome is returned.
func (r *Repository[K, T]) Close() error {
	if r.cancel == nil {
		r.queue.Close()
		return ErrNotStarted
	}
	r.cancel()
	<-r.done
	r.queue.Close()
	if errors.Is(r.exitErr, context.Canceled) {
		return nil
	}
	return r.exitErr
}

func (r *Repository[K, T]) run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &FatalWriterFault{Cause: panicError{value: p}}
		}
	}()

	for {
		batch, err := r.queue.Take(ctx, r.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &FatalWriterFault{Cause: err}
		}
		if fault := r.writeBatch(ctx, batch); fault != nil {
			return fault
		}
	}
}

// writeBatch persists one batch and settles all of its futures. It returns a
// non-nil fault only when the store panicked.
func (r *Repository[K, T]) writeBatch(ctx context.Context, batch []*writeItem[T]) (fault error) {
	// Pulled items finish even if shutdown has begun.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			fault = &FatalWriterFault{Cause: panicError{value: p}}
			r.settleAll(batch, &BatchWriteError{Size: len(batch), Err: fault})
		}
	}()

	err := r.persist(ctx, batch)
	elapsed := time.Since(start)
	if r.hooks.OnBatch != nil {
		r.hooks.OnBatch(len(batch), elapsed, err)
	}

	if err != nil {
		r.log.Warn("Batch write failed",
			zap.Int("size", len(batch)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		r.settleAll(batch, &BatchWriteError{Size: len(batch), Err: err})
		return nil
	}

	r.log.Debug("Batch written", zap.Int("size", len(batch)), zap.Duration("elapsed", elapsed))
	var changes []Change[T]
	if r.hooks.OnApplied != nil || r.hooks.OnCommitted != nil {
		changes = make([]Change[T], 0, len(batch))
		for _, it := range batch {
			changes = append(changes, Change[T]{Entity: it.entity, Action: it.action})
		}
	}
	if r.hooks.OnApplied != nil {
		r.hooks.OnApplied(ctx, changes)
	}
	for _, it := range batch {
		it.result.settle(it.entity, nil)
	}
	if r.hooks.OnCommitted != nil {
		r.hooks.OnCommitted(ctx, changes)
	}
	return nil
}

func (r *Repository[K, T]) persist(ctx context.Context, batch []*writeItem[T]) error {
	sess, err := r.store.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			r.log.Warn("Failed to close store session", zap.Error(cerr))
		}
	}()

	var adds, updates, deletes []T
	for _, it := range batch {
		switch it.action {
		case Add:
			adds = append(adds, it.entity)
		case Update:
			updates = append(updates, it.entity)
		case Delete:
			deletes = append(deletes, it.entity)
		default:
			return fmt.Errorf("unknown action %v", it.action)
		}
	}
	if len(adds) > 0 {
		sess.Insert(adds...)
	}
	if len(updates) > 0 {
		sess.Replace(updates...)
	}
	if len(deletes) > 0 {
		sess.Remove(deletes...)
	}
	return r.retry.Do(ctx, sess.SaveChanges)
}

func (r *Repository[K, T]) settleAll(batch []*writeItem[T], err error) {
	var zero T
	for _, it := range batch {
		it.result.settle(zero, err)
	}
}
