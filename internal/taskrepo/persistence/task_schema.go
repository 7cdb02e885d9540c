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

package persistence

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"taskrepo/internal/taskrepo/core"
)

// TaskTable is the table backing the task repository.
const TaskTable = "tasks"

// TaskSchema maps core.Task onto the tasks table. The full document lives in the
// json column; id, state and created_at are projected for filtering and ordering.
func TaskSchema() Schema[core.Task] {
	return Schema[core.Task]{
		Table:   TaskTable,
		Columns: []string{"id", "state", "created_at", "json"},
		Values:  taskValues,
		Scan:    scanTask,
	}
}

func taskValues(t core.Task) ([]any, error) {
	doc, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return []any{t.ID, string(t.State), t.CreationTime.UTC(), string(doc)}, nil
}

func scanTask(row pgx.Row) (core.Task, error) {
	var (
		id, state string
		created   time.Time
		doc       []byte
	)
	if err := row.Scan(&id, &state, &created, &doc); err != nil {
		return core.Task{}, err
	}
	var t core.Task
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &t); err != nil {
			return core.Task{}, fmt.Errorf("decode task %s: %w", id, err)
		}
	}
	// Projected columns win over the document.
	t.ID = id
	t.State = core.State(state)
	t.CreationTime = created.UTC()
	return t, nil
}
