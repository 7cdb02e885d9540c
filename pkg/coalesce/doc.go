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

// Package coalesce provides a caching, write-coalescing repository.
//
// Callers submit create/update/delete requests and receive a Future. A single
// writer goroutine drains the unbounded queue in batches, applies each batch to
// the Store in one session through a retry.Policy, and settles every future of
// the batch with the same outcome. Concurrent updates to the same logical entity
// are rejected up front by a Guard keyed on the entity's domain key.
//
// A writer that stops for any reason other than cancellation is a fatal fault:
// writes would otherwise pile up forever. The Supervisor turns that fault into a
// delayed, deliberate process shutdown.
//
// Reads bypass the queue and go straight to the Store through the same retry
// policy, built from Query options that preserve the evaluation order
// raw predicate -> typed predicates -> order by -> pagination.
package coalesce
