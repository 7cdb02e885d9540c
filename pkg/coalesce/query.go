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

import "fmt"

// Op is a comparison operator for typed predicates.
type Op int

const (
	Eq Op = iota
	Ne
	Lt
	Le
	Gt
	Ge
	// In matches when the column equals any element of a slice value.
	In
)

func (o Op) String() string {
	switch o {
	case Eq:
		return "="
	case Ne:
		return "<>"
	case Lt:
		return "<"
	case Le:
		return "<="
	case Gt:
		return ">"
	case Ge:
		return ">="
	case In:
		return "IN"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Predicate compares one column against a value.
type Predicate struct {
	Column string
	Op     Op
	Value  any
}

// RawPredicate is a store-native filter fragment for conditions the typed form
// cannot express, such as matching inside a JSON column. Values are never
// concatenated into SQL: the fragment refers to them by placeholder ($1..$n in
// order of Args).
type RawPredicate struct {
	SQL  string
	Args []any
}

// Order sorts by one column.
type Order struct {
	Column     string
	Descending bool
}

// Page skips then takes rows. Take <= 0 means no limit.
type Page struct {
	Skip int
	Take int
}

// Query is evaluated in field order: Raw, then Where (conjunction), then
// OrderBy, then Page. The zero Query selects everything in store order.
type Query struct {
	Raw     *RawPredicate
	Where   []Predicate
	OrderBy []Order
	Page    *Page
}

// QueryOption adds one clause to a Query.
type QueryOption func(*Query)

// BuildQuery applies opts in order.
func BuildQuery(opts ...QueryOption) Query {
	var q Query
	for _, opt := range opts {
		if opt != nil {
			opt(&q)
		}
	}
	return q
}

// WithRaw sets the raw predicate; a later call replaces an earlier one.
func WithRaw(sql string, args ...any) QueryOption {
	return func(q *Query) { q.Raw = &RawPredicate{SQL: sql, Args: args} }
}

// Where adds a typed predicate.
func Where(column string, op Op, value any) QueryOption {
	return func(q *Query) { q.Where = append(q.Where, Predicate{Column: column, Op: op, Value: value}) }
}

// OrderBy adds an ascending sort key.
func OrderBy(column string) QueryOption {
	return func(q *Query) { q.OrderBy = append(q.OrderBy, Order{Column: column}) }
}

// OrderByDesc adds a descending sort key.
func OrderByDesc(column string) QueryOption {
	return func(q *Query) { q.OrderBy = append(q.OrderBy, Order{Column: column, Descending: true}) }
}

// Paginate skips skip rows and returns at most take.
func Paginate(skip, take int) QueryOption {
	return func(q *Query) { q.Page = &Page{Skip: skip, Take: take} }
}
