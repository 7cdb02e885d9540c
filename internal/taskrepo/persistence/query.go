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
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"taskrepo/pkg/coalesce"
)

// ErrUnknownColumn is returned for predicates or orderings on columns the table
// does not expose.
var ErrUnknownColumn = errors.New("persistence: unknown column")

// BuildSelect renders q as a parameterized SELECT over columns of table.
//
// Clause order is fixed: the raw predicate comes first and owns placeholders
// $1..$k (k = len(raw args)); typed predicates continue at $k+1; then ORDER BY,
// then OFFSET/LIMIT. Pagination values are rendered as integers.
func BuildSelect(table string, columns []string, q coalesce.Query) (string, []any, error) {
	allowed := make(map[string]bool, len(columns))
	quoted := make([]string, len(columns))
	for i, c := range columns {
		allowed[c] = true
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(quoted, ", "))
	b.WriteString(" FROM ")
	b.WriteString(pgx.Identifier{table}.Sanitize())

	var (
		where []string
		args  []any
	)
	if q.Raw != nil && strings.TrimSpace(q.Raw.SQL) != "" {
		where = append(where, "("+q.Raw.SQL+")")
		args = append(args, q.Raw.Args...)
	}
	for _, p := range q.Where {
		if !allowed[p.Column] {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownColumn, p.Column)
		}
		col := pgx.Identifier{p.Column}.Sanitize()
		args = append(args, p.Value)
		n := len(args)
		switch p.Op {
		case coalesce.Eq, coalesce.Ne, coalesce.Lt, coalesce.Le, coalesce.Gt, coalesce.Ge:
			where = append(where, fmt.Sprintf("%s %s $%d", col, p.Op, n))
		case coalesce.In:
			where = append(where, fmt.Sprintf("%s = ANY($%d)", col, n))
		default:
			return "", nil, fmt.Errorf("persistence: unsupported operator %v", p.Op)
		}
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	if len(q.OrderBy) > 0 {
		order := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			if !allowed[o.Column] {
				return "", nil, fmt.Errorf("%w: %q", ErrUnknownColumn, o.Column)
			}
			dir := "ASC"
			if o.Descending {
				dir = "DESC"
			}
			order[i] = pgx.Identifier{o.Column}.Sanitize() + " " + dir
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(order, ", "))
	}

	if p := q.Page; p != nil {
		skip := p.Skip
		if skip < 0 {
			skip = 0
		}
		fmt.Fprintf(&b, " OFFSET %d", skip)
		if p.Take > 0 {
			fmt.Fprintf(&b, " LIMIT %d", p.Take)
		}
	}
	return b.String(), args, nil
}
