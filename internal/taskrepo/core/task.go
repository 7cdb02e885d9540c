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

// Package core holds the task domain: the Task model, its lifecycle states and the
// TaskRepository that routes writes through the coalescing writer and keeps the
// cache in step with task activity.
package core

import (
	"errors"
	"fmt"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StateUnknown       State = "UNKNOWN"
	StateQueued        State = "QUEUED"
	StateInitializing  State = "INITIALIZING"
	StateRunning       State = "RUNNING"
	StatePaused        State = "PAUSED"
	StateComplete      State = "COMPLETE"
	StateExecutorError State = "EXECUTOR_ERROR"
	StateSystemError   State = "SYSTEM_ERROR"
	StateCanceled      State = "CANCELED"
	StateCanceling     State = "CANCELING"
	StatePreempted     State = "PREEMPTED"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidTransition = errors.New("invalid state transition")
)

var allStates = map[State]bool{
	StateUnknown: true, StateQueued: true, StateInitializing: true, StateRunning: true,
	StatePaused: true, StateComplete: true, StateExecutorError: true, StateSystemError: true,
	StateCanceled: true, StateCanceling: true, StatePreempted: true,
}

// ActiveStates lists the states in which a task is still being worked on.
func ActiveStates() []State {
	return []State{StateQueued, StateInitializing, StateRunning, StatePaused, StateCanceling}
}

// ParseState validates s.
func ParseState(s string) (State, error) {
	st := State(s)
	if !allStates[st] {
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidTask, s)
	}
	return st, nil
}

// IsActive reports whether tasks in s should stay cached without expiry.
func (s State) IsActive() bool {
	switch s {
	case StateQueued, StateInitializing, StateRunning, StatePaused, StateCanceling:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state.
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateExecutorError, StateSystemError, StateCanceled, StatePreempted:
		return true
	}
	return false
}

type Executor struct {
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Workdir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type TaskLog struct {
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
	SystemLogs []string   `json:"system_logs,omitempty"`
}

// Task is the entity persisted by the repository. ID is the key.
type Task struct {
	ID           string            `json:"id"`
	State        State             `json:"state"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Executors    []Executor        `json:"executors,omitempty"`
	CreationTime time.Time         `json:"creation_time"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Logs         []TaskLog         `json:"logs,omitempty"`
}

// TaskKey is the key function shared by the writer's update guard and the cache.
func TaskKey(t Task) string { return t.ID }

// IsActive is the cache-activity predicate for tasks.
func IsActive(t Task) bool { return t.State.IsActive() }

// TaskFields exposes the queryable columns of t.
func TaskFields(t Task) map[string]any {
	return map[string]any{
		"id":         t.ID,
		"state":      string(t.State),
		"created_at": t.CreationTime,
	}
}

// Validate checks the fields every stored task must carry.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTask)
	}
	if !allStates[t.State] {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTask, t.State)
	}
	for i, e := range t.Executors {
		if e.Image == "" {
			return fmt.Errorf("%w: executor %d has no image", ErrInvalidTask, i)
		}
	}
	return nil
}

// CancelTarget returns the state a cancel request moves t into. Queued tasks never
// started and are canceled outright; started ones go through CANCELING.
func (t Task) CancelTarget() (State, error) {
	switch t.State {
	case StateQueued, StateUnknown:
		return StateCanceled, nil
	case StateInitializing, StateRunning, StatePaused:
		return StateCanceling, nil
	case StateCanceling:
		return StateCanceling, nil
	}
	return "", fmt.Errorf("%w: cannot cancel task in state %s", ErrInvalidTransition, t.State)
}
