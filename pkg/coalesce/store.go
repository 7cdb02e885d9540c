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
	"fmt"
)

// Action is the kind of mutation a WriteItem carries.
type Action int

const (
	Add Action = iota
	Update
	Delete
)

func (a Action) String() string {
	switch a {
	case Add:
		return "add"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

func (a Action) valid() bool { return a >= Add && a <= Delete }

// Session is a unit of work scoped to one batch. Registered entities are only
// written by SaveChanges, which applies inserts, then replacements, then removals
// atomically. SaveChanges must be safe to call again after a failure: pending
// changes are kept until one call succeeds.
type Session[T any] interface {
	Insert(items ...T)
	Replace(items ...T)
	Remove(items ...T)
	SaveChanges(ctx context.Context) error
	Close() error
}

// Store is the relational backend behind a Repository.
type Store[T any] interface {
	// NewSession opens a fresh session; sessions are never reused across batches.
	NewSession(ctx context.Context) (Session[T], error)
	// Select runs a read built from q.
	Select(ctx context.Context, q Query) ([]T, error)
}

// Change is a committed mutation reported to Hooks.OnCommitted.
type Change[T any] struct {
	Entity T
	Action Action
}
