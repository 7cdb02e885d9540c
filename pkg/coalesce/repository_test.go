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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskrepo/pkg/retry"
)

func waitFor[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("future did not settle in time")
	}
	return v, err
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestRepository_AddIsPersisted verifies that once a write future resolves
// successfully the entity is visible to queries.
func TestRepository_AddIsPersisted(t *testing.T) {
	store := newRowStore()
	repo := newTestRepo(store, nil)
	repo.Start(context.Background())
	defer repo.Close()

	f, err := repo.Add(row{ID: "a", Status: "active"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := waitFor(t, f)
	if err != nil || got.ID != "a" {
		t.Fatalf("unexpected result (%+v, %v)", got, err)
	}
	rows, err := repo.Query(context.Background(), Where("status", Eq, "active"))
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 persisted row, got %d (%v)", len(rows), err)
	}
}

// TestRepository_UpdateCollision checks that a second update for a key with an
// unresolved update is rejected immediately, and accepted again once the first
// one resolves.
func TestRepository_UpdateCollision(t *testing.T) {
	store := &flakyStore{MemoryStore: newRowStore(), gate: make(chan struct{})}
	seed(t, store.MemoryStore, []row{{ID: "a", Status: "active"}})

	var collisions atomic.Int32
	repo := newTestRepo(store, func(o *Options[string, row]) {
		o.Hooks.OnCollision = func() { collisions.Add(1) }
	})
	repo.Start(context.Background())
	defer repo.Close()

	first, err := repo.Update(row{ID: "a", Rev: 1})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := repo.Update(row{ID: "a", Rev: 2}); !errors.Is(err, ErrCollision) {
		t.Fatalf("expected collision, got %v", err)
	}
	var ce *CollisionError
	if _, err := repo.Update(row{ID: "a", Rev: 3}); !errors.As(err, &ce) || ce.Key != "a" {
		t.Fatalf("expected CollisionError for key a, got %v", err)
	}
	if collisions.Load() != 2 {
		t.Fatalf("expected 2 collision hooks, got %d", collisions.Load())
	}
	// Adds and deletes are not guarded.
	if _, err := repo.Add(row{ID: "b"}); err != nil {
		t.Fatalf("add while update in flight: %v", err)
	}

	close(store.gate)
	if _, err := waitFor(t, first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if repo.InFlightUpdates() != 0 {
		t.Fatalf("guard must be released once the update resolves")
	}
	next, err := repo.Update(row{ID: "a", Rev: 4})
	if err != nil {
		t.Fatalf("update after resolve: %v", err)
	}
	if _, err := waitFor(t, next); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if r, _ := store.Get("a"); r.Rev != 4 {
		t.Fatalf("expected rev 4, got %d", r.Rev)
	}
}

// TestRepository_BatchFailureSettlesEveryFuture ensures one failing batch fails
// all of its items with the same error and releases update claims.
func TestRepository_BatchFailureSettlesEveryFuture(t *testing.T) {
	boom := errors.New("constraint violated")
	store := &flakyStore{MemoryStore: newRowStore(), fatal: boom}
	repo := newTestRepo(store, nil)

	// Queue before starting so the writer pulls everything as one batch.
	var futures []*Future[row]
	for _, id := range []string{"a", "b", "c"} {
		f, err := repo.Add(row{ID: id})
		if err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		futures = append(futures, f)
	}
	upd, err := repo.Update(row{ID: "d"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	futures = append(futures, upd)

	repo.Start(context.Background())
	defer repo.Close()

	var shared *BatchWriteError
	for i, f := range futures {
		_, err := waitFor(t, f)
		var bwe *BatchWriteError
		if !errors.As(err, &bwe) {
			t.Fatalf("future %d: expected BatchWriteError, got %v", i, err)
		}
		if !errors.Is(err, boom) {
			t.Fatalf("future %d: cause lost: %v", i, err)
		}
		if shared == nil {
			shared = bwe
		} else if shared != bwe {
			t.Fatalf("future %d: expected the same error instance for the whole batch", i)
		}
	}
	if shared.Size != 4 {
		t.Fatalf("expected batch size 4, got %d", shared.Size)
	}
	if store.Len() != 0 {
		t.Fatalf("failed batch must not persist anything")
	}
	if repo.InFlightUpdates() != 0 {
		t.Fatalf("failed update must release its claim")
	}
	if !repo.Running() {
		t.Fatalf("writer must keep running after a failed batch")
	}
}

// TestRepository_TransientFailuresAreRetried checks that a batch hitting k < 10
// transient failures is persisted after waiting 2s, 4s, ... 2^k s.
func TestRepository_TransientFailuresAreRetried(t *testing.T) {
	const k = 3
	var delays []time.Duration
	store := &flakyStore{MemoryStore: newRowStore()}
	store.failures.Store(k)
	repo := newTestRepo(store, func(o *Options[string, row]) {
		o.Retry = noWaitPolicy(&delays)
	})
	repo.Start(context.Background())
	defer repo.Close()

	f, _ := repo.Add(row{ID: "a"})
	if _, err := waitFor(t, f); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := store.calls.Load(); got != k+1 {
		t.Fatalf("expected %d executions, got %d", k+1, got)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays %v, want %v", delays, want)
		}
	}
}

// TestRepository_QueryRetriesTransientFailures checks that reads go through the
// same retry schedule as writes.
func TestRepository_QueryRetriesTransientFailures(t *testing.T) {
	const k = 3
	var delays []time.Duration
	store := &flakyStore{MemoryStore: newRowStore()}
	seed(t, store.MemoryStore, []row{{ID: "a", Status: "active"}})
	store.selectFailures.Store(k)
	repo := newTestRepo(store, func(o *Options[string, row]) {
		o.Retry = noWaitPolicy(&delays)
	})

	rows, err := repo.Query(context.Background(), Where("status", Eq, "active"))
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 row after retries, got %d (%v)", len(rows), err)
	}
	if got := store.selectCalls.Load(); got != k+1 {
		t.Fatalf("expected %d reads, got %d", k+1, got)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays %v, want %v", delays, want)
		}
	}
}

func TestRepository_QueryPermanentFailureIsNotRetried(t *testing.T) {
	bad := errors.New("relation does not exist")
	var delays []time.Duration
	store := &flakyStore{MemoryStore: newRowStore(), selectErr: bad}
	repo := newTestRepo(store, func(o *Options[string, row]) {
		o.Retry = noWaitPolicy(&delays)
	})

	if _, err := repo.Query(context.Background()); !errors.Is(err, bad) {
		t.Fatalf("expected the store error, got %v", err)
	}
	var ex *retry.ExhaustedError
	if _, err := repo.Query(context.Background()); errors.As(err, &ex) {
		t.Fatalf("permanent failure must not exhaust retries: %v", err)
	}
	if got := store.selectCalls.Load(); got != 2 {
		t.Fatalf("expected one read per query, got %d", got)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no waits, got %v", delays)
	}
}

func TestRepository_RetryExhaustion(t *testing.T) {
	store := &flakyStore{MemoryStore: newRowStore()}
	store.failures.Store(100)
	repo := newTestRepo(store, nil)
	repo.Start(context.Background())
	defer repo.Close()

	f, _ := repo.Add(row{ID: "a"})
	_, err := waitFor(t, f)
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Attempts != retry.DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", retry.DefaultMaxAttempts, ex.Attempts)
	}
	if store.calls.Load() != retry.DefaultMaxAttempts {
		t.Fatalf("expected %d executions, got %d", retry.DefaultMaxAttempts, store.calls.Load())
	}
}

// TestRepository_CoalescesIntoBatches verifies that queued writes are drained in
// batches capped at BatchSize.
func TestRepository_CoalescesIntoBatches(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	repo := newTestRepo(newRowStore(), func(o *Options[string, row]) {
		o.BatchSize = 100
		o.Hooks.OnBatch = func(size int, _ time.Duration, err error) {
			if err != nil {
				t.Errorf("batch failed: %v", err)
			}
			mu.Lock()
			sizes = append(sizes, size)
			mu.Unlock()
		}
	})

	futures := make([]*Future[row], 0, 250)
	for _, r := range rowsN(250, func(int) string { return "x" }) {
		f, err := repo.Add(r)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		futures = append(futures, f)
	}
	if repo.Pending() != 250 {
		t.Fatalf("expected 250 pending, got %d", repo.Pending())
	}
	repo.Start(context.Background())
	defer repo.Close()
	for _, f := range futures {
		if _, err := waitFor(t, f); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{100, 100, 50}
	if len(sizes) != len(want) {
		t.Fatalf("batch sizes %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("batch sizes %v, want %v", sizes, want)
		}
	}
}

func TestRepository_OnCommittedReceivesChanges(t *testing.T) {
	store := newRowStore()
	seed(t, store, []row{{ID: "gone"}})
	var got []Change[row]
	done := make(chan struct{})
	repo := newTestRepo(store, func(o *Options[string, row]) {
		o.Hooks.OnCommitted = func(_ context.Context, changes []Change[row]) {
			got = changes
			close(done)
		}
	})
	_, _ = repo.Add(row{ID: "new"})
	_, _ = repo.Delete(row{ID: "gone"})
	repo.Start(context.Background())
	defer repo.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("OnCommitted not called")
	}
	if len(got) != 2 || got[0].Action != Add || got[1].Action != Delete {
		t.Fatalf("unexpected changes %+v", got)
	}
}

// TestRepository_InvalidActionIsRejected ensures an unknown action fails at
// Submit and never reaches the batch of valid writes queued beside it.
func TestRepository_InvalidActionIsRejected(t *testing.T) {
	store := newRowStore()
	var submitted atomic.Int32
	repo := newTestRepo(store, func(o *Options[string, row]) {
		o.Hooks.OnSubmit = func(Action) { submitted.Add(1) }
	})

	good, err := repo.Add(row{ID: "good"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if f, err := repo.Submit(row{ID: "bad"}, Action(7)); !errors.Is(err, ErrInvalidAction) || f != nil {
		t.Fatalf("expected ErrInvalidAction, got (%v, %v)", f, err)
	}
	if repo.Pending() != 1 || submitted.Load() != 1 {
		t.Fatalf("invalid write must not be queued: pending=%d submitted=%d", repo.Pending(), submitted.Load())
	}
	if repo.InFlightUpdates() != 0 {
		t.Fatalf("invalid write must not claim a key")
	}

	repo.Start(context.Background())
	defer repo.Close()
	if _, err := waitFor(t, good); err != nil {
		t.Fatalf("valid write failed: %v", err)
	}
	if _, ok := store.Get("bad"); ok {
		t.Fatalf("invalid write reached the store")
	}
}

// TestRepository_OnAppliedRunsBeforeSettle verifies that OnApplied observes a
// committed update while its key is still claimed and its future unresolved.
func TestRepository_OnAppliedRunsBeforeSettle(t *testing.T) {
	store := newRowStore()
	seed(t, store, []row{{ID: "a", Status: "active"}})

	var repo *Repository[string, row]
	var pending *Future[row]
	ready := make(chan struct{})
	type observed struct {
		inFlight int
		settled  bool
		changes  []Change[row]
	}
	seen := make(chan observed, 1)
	repo = newTestRepo(store, func(o *Options[string, row]) {
		o.Hooks.OnApplied = func(_ context.Context, changes []Change[row]) {
			<-ready
			_, _, ok := pending.Peek()
			seen <- observed{inFlight: repo.InFlightUpdates(), settled: ok, changes: changes}
		}
	})

	f, err := repo.Update(row{ID: "a", Status: "done", Rev: 1})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	pending = f
	close(ready)
	repo.Start(context.Background())
	defer repo.Close()

	if _, err := waitFor(t, f); err != nil {
		t.Fatalf("update: %v", err)
	}
	got := <-seen
	if got.settled || got.inFlight != 1 {
		t.Fatalf("OnApplied ran after settle: settled=%v inFlight=%d", got.settled, got.inFlight)
	}
	if len(got.changes) != 1 || got.changes[0].Action != Update || got.changes[0].Entity.Rev != 1 {
		t.Fatalf("unexpected changes %+v", got.changes)
	}
}

// TestRepository_CloseFinishesInFlightBatch ensures a batch already pulled by the
// writer completes even though shutdown started while it was being written.
func TestRepository_CloseFinishesInFlightBatch(t *testing.T) {
	store := &flakyStore{MemoryStore: newRowStore(), gate: make(chan struct{})}
	var exitErr error
	exited := make(chan struct{})
	repo := newTestRepo(store, func(o *Options[string, row]) {
		o.OnWriterExit = func(err error) {
			exitErr = err
			close(exited)
		}
	})
	repo.Start(context.Background())

	f, _ := repo.Add(row{ID: "a"})
	eventually(t, func() bool { return store.calls.Load() > 0 })

	closed := make(chan error, 1)
	go func() { closed <- repo.Close() }()
	time.Sleep(10 * time.Millisecond)
	close(store.gate)

	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := waitFor(t, f); err != nil {
		t.Fatalf("in-flight write must complete, got %v", err)
	}
	<-exited
	if !errors.Is(exitErr, context.Canceled) {
		t.Fatalf("expected cooperative exit, got %v", exitErr)
	}
	if repo.Running() {
		t.Fatalf("writer still marked running")
	}
	if _, err := repo.Add(row{ID: "late"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after close, got %v", err)
	}
}

func TestRepository_CloseWithoutStart(t *testing.T) {
	repo := newTestRepo(newRowStore(), nil)
	if err := repo.Close(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

// TestRepository_StorePanicIsFatal checks that a panicking store fails the batch
// and ends the writer with a FatalWriterFault.
func TestRepository_StorePanicIsFatal(t *testing.T) {
	store := &flakyStore{MemoryStore: newRowStore(), panicMsg: "driver exploded"}
	exits := make(chan error, 1)
	repo := newTestRepo(store, func(o *Options[string, row]) {
		o.OnWriterExit = func(err error) { exits <- err }
	})
	f, _ := repo.Add(row{ID: "a"})
	repo.Start(context.Background())

	_, err := waitFor(t, f)
	var bwe *BatchWriteError
	if !errors.As(err, &bwe) {
		t.Fatalf("expected BatchWriteError, got %v", err)
	}

	var fault *FatalWriterFault
	select {
	case exit := <-exits:
		if !errors.As(exit, &fault) {
			t.Fatalf("expected FatalWriterFault, got %v", exit)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("writer did not exit")
	}
	if err := repo.Close(); !errors.As(err, &fault) {
		t.Fatalf("close must report the fault, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New[string, row](nil, Options[string, row]{KeyOf: rowKey}); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := New[string, row](newRowStore(), Options[string, row]{}); err == nil {
		t.Fatalf("expected error for missing KeyOf")
	}
}
