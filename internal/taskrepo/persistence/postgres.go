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

// Package persistence provides the storage, cache and change-feed adapters used by
// the task repository: a pgx-backed Postgres store, Redis and in-process caches and
// a Kafka change feed.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"taskrepo/pkg/coalesce"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS tasks (
//   id         TEXT PRIMARY KEY,
//   state      TEXT NOT NULL,
//   created_at TIMESTAMPTZ NOT NULL,
//   json       JSONB NOT NULL
// );
// CREATE INDEX IF NOT EXISTS idx_tasks_state_created ON tasks(state, created_at);
//
// One transaction per batch, a fixed number of round trips whatever its size:
//   COPY tasks FROM STDIN;
//   CREATE TEMP TABLE tmp_update_tasks (LIKE tasks INCLUDING DEFAULTS) ON COMMIT DROP;
//   COPY tmp_update_tasks FROM STDIN;
//   UPDATE tasks AS t SET state = s.state, ... FROM tmp_update_tasks AS s WHERE t.id = s.id;  -- short => ErrRowNotFound
//   CREATE TEMP TABLE tmp_delete_tasks (LIKE tasks INCLUDING DEFAULTS) ON COMMIT DROP;
//   COPY tmp_delete_tasks FROM STDIN;
//   DELETE FROM tasks AS t USING tmp_delete_tasks AS s WHERE t.id = s.id;                   -- missing rows are ignored

// ErrRowNotFound is returned when an update matched fewer rows than it carried.
// It wraps coalesce.ErrMissingKey so callers can treat every store alike.
var ErrRowNotFound = fmt.Errorf("persistence: row not found: %w", coalesce.ErrMissingKey)

// PgxIface is the subset of *pgxpool.Pool the store needs. pgxmock pools satisfy it.
// Writes go through the returned pgx.Tx: CopyFrom for bulk loads, Exec for the
// set-based statements.
type PgxIface interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Schema maps an entity type onto a table. Columns[0] must be the key column and
// Values must return one value per column, in order.
type Schema[T any] struct {
	Table   string
	Columns []string
	Values  func(T) ([]any, error)
	Scan    func(row pgx.Row) (T, error)
}

// PostgresStore is a coalesce.Store that writes each session in one transaction.
type PostgresStore[T any] struct {
	db     PgxIface
	schema Schema[T]
	log    *zap.Logger
	// defaultTimeout bounds calls whose context has no deadline.
	defaultTimeout time.Duration

	updates staged
	deletes staged
}

// staged is a temp table loaded with COPY, and the statement that applies it.
type staged struct {
	table  pgx.Identifier
	create string
	apply  string
}

// NewPostgresStore prepares the statements for schema.
func NewPostgresStore[T any](db PgxIface, schema Schema[T], logger *zap.Logger) (*PostgresStore[T], error) {
	if db == nil {
		return nil, errors.New("persistence: nil database")
	}
	if schema.Table == "" || len(schema.Columns) == 0 || schema.Values == nil || schema.Scan == nil {
		return nil, errors.New("persistence: incomplete schema")
	}
	if logger == nil {
		logger = zap.L()
	}
	p := &PostgresStore[T]{
		db:             db,
		schema:         schema,
		log:            logger.Named("postgres"),
		defaultTimeout: 30 * time.Second,
	}
	p.updates, p.deletes = writeStatements(schema.Table, schema.Columns)
	return p, nil
}

func writeStatements(table string, columns []string) (update, del staged) {
	tbl := pgx.Identifier{table}.Sanitize()
	key := pgx.Identifier{columns[0]}.Sanitize()
	sets := ""
	for _, c := range columns[1:] {
		id := pgx.Identifier{c}.Sanitize()
		if sets != "" {
			sets += ", "
		}
		sets += fmt.Sprintf("%s = s.%s", id, id)
	}

	update.table = pgx.Identifier{"tmp_update_" + table}
	update.create = fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", update.table.Sanitize(), tbl)
	update.apply = fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE t.%s = s.%s", tbl, sets, update.table.Sanitize(), key, key)

	del.table = pgx.Identifier{"tmp_delete_" + table}
	del.create = fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", del.table.Sanitize(), tbl)
	del.apply = fmt.Sprintf("DELETE FROM %s AS t USING %s AS s WHERE t.%s = s.%s", tbl, del.table.Sanitize(), key, key)
	return update, del
}

// Ping checks connectivity.
func (p *PostgresStore[T]) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

// NewSession implements coalesce.Store.
func (p *PostgresStore[T]) NewSession(ctx context.Context) (coalesce.Session[T], error) {
	return &pgSession[T]{store: p}, nil
}

// Select implements coalesce.Store.
func (p *PostgresStore[T]) Select(ctx context.Context, q coalesce.Query) ([]T, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	sql, args, err := BuildSelect(p.schema.Table, p.schema.Columns, q)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", p.schema.Table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := p.schema.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p.schema.Table, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", p.schema.Table, err)
	}
	return out, nil
}

func (p *PostgresStore[T]) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		return context.WithTimeout(ctx, p.defaultTimeout)
	}
	return ctx, func() {}
}

type pgSession[T any] struct {
	store   *PostgresStore[T]
	inserts []T
	updates []T
	removes []T
}

func (s *pgSession[T]) Insert(items ...T)  { s.inserts = append(s.inserts, items...) }
func (s *pgSession[T]) Replace(items ...T) { s.updates = append(s.updates, items...) }
func (s *pgSession[T]) Remove(items ...T)  { s.removes = append(s.removes, items...) }
func (s *pgSession[T]) Close() error       { return nil }

// SaveChanges applies every registered change in one transaction. The session is
// left intact, so a failed call can be repeated.
func (s *pgSession[T]) SaveChanges(ctx context.Context) error {
	p := s.store
	ctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := s.apply(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.log.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *pgSession[T]) apply(ctx context.Context, tx pgx.Tx) error {
	p := s.store
	table := p.schema.Table

	if len(s.inserts) > 0 {
		rows, err := p.rows(s.inserts)
		if err != nil {
			return err
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, p.schema.Columns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
		if n != int64(len(rows)) {
			return fmt.Errorf("insert %s: copied %d of %d rows", table, n, len(rows))
		}
	}

	if len(s.updates) > 0 {
		rows, err := p.rows(lastPerKey(s.updates, p.schema))
		if err != nil {
			return err
		}
		n, err := p.applyStaged(ctx, tx, p.updates, rows)
		if err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
		if n < int64(len(rows)) {
			return fmt.Errorf("update %s: matched %d of %d rows: %w", table, n, len(rows), ErrRowNotFound)
		}
	}

	if len(s.removes) > 0 {
		rows, err := p.rows(s.removes)
		if err != nil {
			return err
		}
		n, err := p.applyStaged(ctx, tx, p.deletes, rows)
		if err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
		if n < int64(len(rows)) {
			p.log.Debug("Delete matched fewer rows than requested",
				zap.String("table", table), zap.Int64("matched", n), zap.Int("requested", len(rows)))
		}
	}
	return nil
}

// applyStaged loads rows into st's temp table and runs its statement, returning
// the number of rows that statement touched.
func (p *PostgresStore[T]) applyStaged(ctx context.Context, tx pgx.Tx, st staged, rows [][]any) (int64, error) {
	if _, err := tx.Exec(ctx, st.create); err != nil {
		return 0, fmt.Errorf("create %s: %w", st.table.Sanitize(), err)
	}
	if _, err := tx.CopyFrom(ctx, st.table, p.schema.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("copy %s: %w", st.table.Sanitize(), err)
	}
	tag, err := tx.Exec(ctx, st.apply)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore[T]) rows(items []T) ([][]any, error) {
	out := make([][]any, 0, len(items))
	for _, it := range items {
		vals, err := p.schema.Values(it)
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, nil
}

// lastPerKey keeps the last replacement registered for each key, so every staged
// row can match exactly one table row.
func lastPerKey[T any](items []T, schema Schema[T]) []T {
	if len(items) < 2 {
		return items
	}
	last := make(map[string]int, len(items))
	keys := make([]string, len(items))
	for i, it := range items {
		vals, err := schema.Values(it)
		if err != nil {
			return items
		}
		keys[i] = fmt.Sprint(vals[0])
		last[keys[i]] = i
	}
	if len(last) == len(items) {
		return items
	}
	out := make([]T, 0, len(last))
	for i, it := range items {
		if last[keys[i]] == i {
			out = append(out, it)
		}
	}
	return out
}
