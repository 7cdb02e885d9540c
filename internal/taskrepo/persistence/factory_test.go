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
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskrepo/internal/sinks"
	"taskrepo/internal/taskrepo/core"
	"taskrepo/pkg/coalesce"
	"taskrepo/pkg/retry"
)

func TestBuildAdapters_Defaults(t *testing.T) {
	a, err := BuildAdapters(context.Background(), Options{}, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	_, isMem := a.Store.(*coalesce.MemoryStore[string, core.Task])
	assert.True(t, isMem, "default store must be in-memory")
	assert.IsType(t, &MemoryCache[core.Task]{}, a.Cache)
	assert.Nil(t, a.Feed)
	assert.Nil(t, a.StorePing)
	assert.True(t, a.IsTransient(retry.Transient(assert.AnError)))
}

func TestBuildAdapters_RedisAndLogFeed(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := BuildAdapters(context.Background(), Options{
		CacheAdapter: "redis",
		RedisAddr:    mr.Addr(),
		FeedAdapter:  "log",
	}, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.CachePing)
	assert.NoError(t, a.CachePing.Ping(context.Background()))
	assert.NotNil(t, a.Feed)
	assert.True(t, a.Cache.TryAdd(context.Background(), "t1", core.Task{ID: "t1"}))
	assert.True(t, mr.Exists("task:t1"))
}

func TestBuildAdapters_Errors(t *testing.T) {
	cases := map[string]Options{
		"unknown store":   {StoreAdapter: "oracle"},
		"postgres no dsn": {StoreAdapter: "postgres"},
		"unknown cache":   {CacheAdapter: "memcached"},
		"redis no addr":   {CacheAdapter: "redis"},
		"unknown feed":    {FeedAdapter: "nats"},
		"kafka no broker": {FeedAdapter: "kafka"},
		"journal bad dir": {FeedAdapter: "file", FeedPath: "/nonexistent/dir/changes.jsonl"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			a, err := BuildAdapters(context.Background(), opts, zap.NewNop())
			assert.Error(t, err)
			assert.Nil(t, a)
		})
	}
}

func TestBuildAdapters_FileFeedJournalsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.jsonl")
	a, err := BuildAdapters(context.Background(), Options{FeedAdapter: "file", FeedPath: path}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.Feed)

	a.Feed.Publish(context.Background(), []coalesce.Change[core.Task]{
		{Entity: core.Task{ID: "t1", State: core.StateQueued}, Action: coalesce.Add},
		{Entity: core.Task{ID: "t1", State: core.StateRunning}, Action: coalesce.Update},
	})
	require.NoError(t, a.Close(), "close flushes the journal")

	got, err := sinks.ReadJournal[ChangeMessage](path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "add", got[0].Action)
	assert.Equal(t, core.StateRunning, got[1].Task.State)
}

func TestBuildAdapters_NoCache(t *testing.T) {
	a, err := BuildAdapters(context.Background(), Options{CacheAdapter: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, a.Cache)
}
