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
	"sync"

	"github.com/eapache/queue"
)

// Queue is an unbounded multi-producer, single-consumer FIFO. Push never blocks
// for capacity; memory grows while the consumer is stalled.
type Queue[T any] struct {
	mu     sync.Mutex
	buf    *queue.Queue
	closed bool
	// ready holds at most one wake-up token for the consumer.
	ready chan struct{}
}

// NewQueue returns an empty, open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		buf:   queue.New(),
		ready: make(chan struct{}, 1),
	}
}

// Push appends item. It fails only with ErrQueueClosed.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.buf.Add(item)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Take blocks until at least one item is available, then returns up to limit
// items that are already queued without waiting for more. It returns ctx.Err()
// when ctx is done and ErrQueueClosed once the queue is closed and empty.
func (q *Queue[T]) Take(ctx context.Context, limit int) ([]T, error) {
	if limit <= 0 {
		limit = 1
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if n := q.buf.Length(); n > 0 {
			if n > limit {
				n = limit
			}
			out := make([]T, 0, n)
			for i := 0; i < n; i++ {
				out = append(out, q.buf.Remove().(T))
			}
			more := q.buf.Length() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return out, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length()
}

// Close stops accepting pushes. Items already queued stay takeable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
