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
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"taskrepo/internal/sinks"
	"taskrepo/internal/taskrepo/core"
	"taskrepo/pkg/coalesce"
	"taskrepo/pkg/retry"
)

// Options select and configure the adapters. Empty adapter names use the
// in-process defaults, so the service runs without infrastructure.
type Options struct {
	StoreAdapter string // "memory" | "postgres"
	PostgresDSN  string

	CacheAdapter string // "none" | "memory" | "redis"
	RedisAddr    string
	RedisPrefix  string

	FeedAdapter  string // "none" | "log" | "file" | "kafka"
	FeedPath     string
	KafkaBrokers []string
	KafkaTopic   string
	FeedBuffer   int // committed batches held for the sender; 0 means DefaultFeedBuffer
}

// Pinger is implemented by adapters that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Adapters holds what BuildAdapters created. Close releases the clients.
type Adapters struct {
	Store coalesce.Store[core.Task]
	// IsTransient classifies store errors for the retry policy.
	IsTransient retry.Classifier
	Cache       coalesce.Cache[string, core.Task]
	Feed        *ChangeFeed

	StorePing Pinger
	CachePing Pinger

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Close releases every client opened by BuildAdapters.
func (a *Adapters) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildAdapters constructs the store, cache and change feed chosen by opts. On
// error, anything already opened is closed.
func BuildAdapters(ctx context.Context, opts Options, logger *zap.Logger) (_ *Adapters, err error) {
	if logger == nil {
		logger = zap.L()
	}
	a := &Adapters{IsTransient: retry.IsTransient}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	switch opts.StoreAdapter {
	case "", "memory":
		a.Store = coalesce.NewMemoryStore[string, core.Task](core.TaskKey, core.TaskFields)
	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, errors.New("postgres adapter needs a DSN")
		}
		pool, err := NewPgxPool(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closerFunc(func() error { pool.Close(); return nil }))
		store, err := NewPostgresStore(pool, TaskSchema(), logger)
		if err != nil {
			return nil, err
		}
		a.Store, a.StorePing, a.IsTransient = store, store, IsTransientPg
	default:
		return nil, fmt.Errorf("unknown store adapter: %s", opts.StoreAdapter)
	}

	switch opts.CacheAdapter {
	case "none":
	case "", "memory":
		a.Cache = NewMemoryCache[core.Task](time.Minute)
	case "redis":
		if opts.RedisAddr == "" {
			return nil, errors.New("redis adapter needs an address")
		}
		client := NewRedisClient(opts.RedisAddr)
		a.closers = append(a.closers, client)
		prefix := opts.RedisPrefix
		if prefix == "" {
			prefix = "task:"
		}
		cache := NewRedisCache[core.Task](client, prefix, logger)
		a.Cache, a.CachePing = cache, cache
	default:
		return nil, fmt.Errorf("unknown cache adapter: %s", opts.CacheAdapter)
	}

	topic := opts.KafkaTopic
	if topic == "" {
		topic = "task-changes"
	}
	switch opts.FeedAdapter {
	case "", "none":
	case "log":
		a.Feed = NewChangeFeed(LoggingSender{Log: logger}, topic, opts.FeedBuffer, logger)
	case "file":
		path := opts.FeedPath
		if path == "" {
			path = topic + ".jsonl"
		}
		journal, err := sinks.NewJournalFileSink(path)
		if err != nil {
			return nil, fmt.Errorf("change journal: %w", err)
		}
		a.closers = append(a.closers, journal)
		a.Feed = NewChangeFeed(journal, topic, opts.FeedBuffer, logger)
	case "kafka":
		if len(opts.KafkaBrokers) == 0 {
			return nil, errors.New("kafka adapter needs brokers")
		}
		producer, err := NewSyncProducer(opts.KafkaBrokers)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		a.closers = append(a.closers, producer)
		a.Feed = NewChangeFeed(producer, topic, opts.FeedBuffer, logger)
	default:
		return nil, fmt.Errorf("unknown feed adapter: %s", opts.FeedAdapter)
	}
	if a.Feed != nil {
		// Closed before its sender: closers run in reverse.
		a.closers = append(a.closers, a.Feed)
	}
	return a, nil
}
