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
	"errors"
	"fmt"
)

var (
	// ErrCollision is matched by errors.Is for every *CollisionError.
	ErrCollision = errors.New("coalesce: update already in flight")
	// ErrQueueClosed means a push reached a queue that no longer accepts items.
	// It indicates a lifecycle defect, not a recoverable condition.
	ErrQueueClosed = errors.New("coalesce: write queue is closed")
	// ErrRawUnsupported is returned by stores that cannot evaluate raw predicates.
	ErrRawUnsupported = errors.New("coalesce: raw predicates are not supported by this store")
	// ErrNotStarted is returned by Close when Start was never called.
	ErrNotStarted = errors.New("coalesce: repository writer was not started")
	// ErrInvalidAction is returned by Submit for an Action outside Add, Update and Delete.
	ErrInvalidAction = errors.New("coalesce: unknown write action")
)

// CollisionError is returned synchronously by Submit when an update for the same
// key is still pending. Callers should wait for the earlier update instead of
// retrying blindly.
type CollisionError struct {
	Key any
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("coalesce: update for key %v is already in flight", e.Key)
}

func (e *CollisionError) Is(target error) bool { return target == ErrCollision }

// BatchWriteError is delivered, identically, to every future of a failed batch.
type BatchWriteError struct {
	Size int
	Err  error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("coalesce: batch of %d writes failed: %v", e.Size, e.Err)
}

func (e *BatchWriteError) Unwrap() error { return e.Err }

// FatalWriterFault is how the writer loop reports any termination other than
// cooperative cancellation. It is never handed to submitters.
type FatalWriterFault struct {
	Cause error
}

func (e *FatalWriterFault) Error() string {
	return fmt.Sprintf("coalesce: writer loop faulted: %v", e.Cause)
}

func (e *FatalWriterFault) Unwrap() error { return e.Cause }

// panicError carries a recovered panic value.
type panicError struct {
	value any
}

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
