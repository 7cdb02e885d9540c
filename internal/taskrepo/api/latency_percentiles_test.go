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

package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"taskrepo/internal/taskrepo/core"
	"taskrepo/internal/taskrepo/persistence"
	"taskrepo/pkg/coalesce"
	"taskrepo/pkg/retry"
)

// percentile returns the p-th percentile from a sorted slice of durations (in ns).
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	weight := pos - math.Floor(pos)
	return int64((1-weight)*float64(sorted[lo]) + weight*float64(sorted[hi]))
}

func TestPercentile(t *testing.T) {
	s := []int64{10, 20, 30, 40, 50}
	cases := map[float64]int64{0: 10, 50: 30, 100: 50, 75: 40, 62.5: 35}
	for p, want := range cases {
		if got := percentile(s, p); got != want {
			t.Errorf("p%v: got %d want %d", p, got, want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("empty: got %d", got)
	}
}

// newLatencyHandler serves the API in-process (no sockets) over a memory store
// with a memory cache in front.
func newLatencyHandler(t *testing.T) (http.Handler, *core.TaskRepository) {
	t.Helper()
	store := coalesce.NewMemoryStore[string, core.Task](core.TaskKey, core.TaskFields)
	repo, err := core.NewTaskRepository(store, core.Options{
		Retry:  &retry.Policy{MaxAttempts: 1},
		Cache:  persistence.NewMemoryCache[core.Task](time.Minute),
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	repo.Start(context.Background())
	t.Cleanup(func() { _ = repo.Close() })
	mux := http.NewServeMux()
	NewServer(repo, zap.NewNop()).RegisterRoutes(mux)
	return mux, repo
}

// Test_ReadLatency_CacheHits measures p50/p95/p99 of GET /v1/tasks/{id} for cached
// active tasks and asserts p99 stays under a small SLO.
func Test_ReadLatency_CacheHits(t *testing.T) {
	if os.Getenv("TASKREPO_RUN_LATENCY") != "1" {
		t.Skip("skipping latency test; set TASKREPO_RUN_LATENCY=1 to run")
	}
	t.Setenv("GOMAXPROCS", "1")
	h, repo := newLatencyHandler(t)

	const keys = 100
	for i := 0; i < keys; i++ {
		if _, err := repo.CreateItem(context.Background(), core.Task{ID: fmt.Sprintf("lat-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	// Warm-up
	for i := 0; i < 2000; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/tasks/lat-%d", i%keys), nil))
	}
	n := 5000
	lats := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/tasks/lat-%d", i%keys), nil)
		rec := httptest.NewRecorder()
		start := time.Now()
		h.ServeHTTP(rec, req)
		lats = append(lats, time.Since(start).Nanoseconds())
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	p50, p95, p99 := percentile(lats, 50), percentile(lats, 95), percentile(lats, 99)
	t.Logf("read latency p50=%s p95=%s p99=%s", time.Duration(p50), time.Duration(p95), time.Duration(p99))
	if slo := 2 * time.Millisecond; time.Duration(p99) > slo {
		t.Fatalf("p99 %s above SLO %s", time.Duration(p99), slo)
	}
}

// Test_CreateLatency_Concurrent measures POST /v1/tasks from concurrent clients.
// Each create waits for its batch, so p99 is bounded by a few commit cycles.
func Test_CreateLatency_Concurrent(t *testing.T) {
	if os.Getenv("TASKREPO_RUN_LATENCY") != "1" {
		t.Skip("skipping latency test; set TASKREPO_RUN_LATENCY=1 to run")
	}
	h, _ := newLatencyHandler(t)

	const (
		workers   = 32
		perWorker = 200
	)
	var (
		mu   sync.Mutex
		lats = make([]int64, 0, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"name":"lat"}`))
				rec := httptest.NewRecorder()
				start := time.Now()
				h.ServeHTTP(rec, req)
				local = append(local, time.Since(start).Nanoseconds())
				if rec.Code != http.StatusCreated {
					t.Errorf("status %d", rec.Code)
					return
				}
			}
			mu.Lock()
			lats = append(lats, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	p50, p99 := percentile(lats, 50), percentile(lats, 99)
	t.Logf("create latency p50=%s p99=%s over %d requests", time.Duration(p50), time.Duration(p99), len(lats))
	if slo := 50 * time.Millisecond; time.Duration(p99) > slo {
		t.Fatalf("p99 %s above SLO %s", time.Duration(p99), slo)
	}
}
