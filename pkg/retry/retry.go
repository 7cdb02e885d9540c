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

// Package retry re-runs operations that fail with transient backend errors.
//
// The schedule is deterministic: attempt 0 runs immediately and attempt i (i >= 1)
// waits Base*2^i before running. Only errors accepted by the policy's classifier
// are retried; everything else is returned on first occurrence.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxAttempts is the total number of executions, including the first one.
	DefaultMaxAttempts = 10
	// DefaultBase is the unit of the exponential schedule.
	DefaultBase = time.Second
	// maxShift keeps Base<<attempt from overflowing time.Duration.
	maxShift = 30
)

// Classifier reports whether err is safe to retry.
type Classifier func(err error) bool

// Policy is safe for concurrent use once constructed; do not mutate it afterwards.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	IsTransient Classifier
	// Sleep waits for d or until ctx is done. Tests replace it to avoid real waits.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, if set, is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Default returns a policy with the standard ceiling and base, retrying errors
// accepted by isTransient. A nil classifier falls back to IsTransient.
func Default(isTransient Classifier) *Policy {
	if isTransient == nil {
		isTransient = IsTransient
	}
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBase,
		IsTransient: isTransient,
	}
}

// Delay returns the wait before the given 0-based attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return p.base() << uint(attempt)
}

// Do runs fn until it succeeds, fails with a non-transient error, the attempt
// ceiling is reached, or ctx is cancelled during a wait.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	classify := p.IsTransient
	if classify == nil {
		classify = IsTransient
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
		if attempt+1 >= maxAttempts {
			return &ExhaustedError{Attempts: attempt + 1, Err: err}
		}
		delay := p.Delay(attempt + 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if werr := p.sleep(ctx, delay); werr != nil {
			return errors.Join(werr, err)
		}
	}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *Policy) base() time.Duration {
	if p.Base <= 0 {
		return DefaultBase
	}
	return p.Base
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
