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

// Command http-loadgen drives the task API with create and update bursts and
// reports how many writes were accepted, collided or failed.
//
//	go run ./tools/http-loadgen -mode=mixed -n=20000 -c=64
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

type modeType string

const (
	modeCreate modeType = "create"
	modeUpdate modeType = "update"
	modeMixed  modeType = "mixed"
)

// updateStates cycles updated tasks through active states so they stay cached.
var updateStates = []string{"RUNNING", "PAUSED", "RUNNING", "INITIALIZING"}

type counters struct {
	created, updated, collided, notFound, serverErr, other, transport atomic.Int64
}

func (c *counters) record(code int, err error) {
	switch {
	case err != nil:
		c.transport.Add(1)
	case code == http.StatusCreated:
		c.created.Add(1)
	case code == http.StatusOK:
		c.updated.Add(1)
	case code == http.StatusConflict:
		c.collided.Add(1)
	case code == http.StatusNotFound:
		c.notFound.Add(1)
	case code >= 500:
		c.serverErr.Add(1)
	default:
		c.other.Add(1)
	}
}

func main() {
	var (
		base  = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host, e.g. http://127.0.0.1:8080")
		modeS = flag.String("mode", string(modeMixed), "Mode: create|update|mixed")
		N     = flag.Int("n", 5000, "Total requests to send")
		conc  = flag.Int("c", 16, "Number of concurrent workers")
		keys  = flag.Int("keys", 50, "Number of tasks to create up front for update and mixed modes")
		// Deterministic skew: hotEvery=5 means 4/5 of the updates go to the first task.
		hotEvery = flag.Int("hot_every", 5, "Update skew period (all but one of this period hit the hot task; minimum 2)")
		timeout  = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		maxIdle  = flag.Int("max_idle", 256, "Max idle connections total")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeCreate && m != modeUpdate && m != modeMixed {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want create|update|mixed)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 || *keys <= 0 {
		fmt.Fprintln(os.Stderr, "-n, -c and -keys must be > 0")
		os.Exit(2)
	}
	if *hotEvery < 2 {
		*hotEvery = 2
	}

	tasksURL := strings.TrimRight(*base, "/") + "/v1/tasks"
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        *maxIdle,
			MaxIdleConnsPerHost: *maxIdle,
			IdleConnTimeout:     30 * time.Second,
		},
		Timeout: 35 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var ids []string
	if m != modeCreate {
		var err error
		if ids, err = seed(ctx, client, tasksURL, *keys); err != nil {
			fmt.Fprintf(os.Stderr, "seeding tasks: %v\n", err)
			os.Exit(1)
		}
	}

	var c counters
	start := time.Now()
	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				return
			}
			n := i + id
			create := m == modeCreate || (m == modeMixed && n%2 == 0)
			if create {
				c.record(post(ctx, client, tasksURL, n))
				continue
			}
			target := ids[0]
			if n%*hotEvery == 0 {
				target = ids[n%len(ids)]
			}
			c.record(put(ctx, client, tasksURL+"/"+target, updateStates[n%len(updateStates)]))
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s\n", m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
	fmt.Printf("  201 created=%d  200 updated=%d  409 collided=%d  404=%d  5xx=%d  other=%d  transport errors=%d\n",
		c.created.Load(), c.updated.Load(), c.collided.Load(), c.notFound.Load(), c.serverErr.Load(), c.other.Load(), c.transport.Load())
}

func seed(ctx context.Context, client *http.Client, tasksURL string, n int) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		resp, err := send(ctx, client, http.MethodPost, tasksURL, createBody(i))
		if err != nil {
			return nil, err
		}
		var out struct {
			ID string `json:"id"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusCreated || err != nil {
			return nil, fmt.Errorf("create %d: status %d: %v", i, resp.StatusCode, err)
		}
		ids = append(ids, out.ID)
	}
	return ids, nil
}

func createBody(i int) map[string]any {
	return map[string]any{
		"name": fmt.Sprintf("loadgen-%d", i),
		"tags": map[string]string{"source": "loadgen"},
	}
}

func post(ctx context.Context, client *http.Client, u string, i int) (int, error) {
	return drain(send(ctx, client, http.MethodPost, u, createBody(i)))
}

func put(ctx context.Context, client *http.Client, u, state string) (int, error) {
	return drain(send(ctx, client, http.MethodPut, u, map[string]any{"state": state}))
}

func send(ctx context.Context, client *http.Client, method, u string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

func drain(resp *http.Response, err error) (int, error) {
	if err != nil {
		// Brief backoff on errors to avoid hot spinning
		time.Sleep(200 * time.Microsecond)
		return 0, err
	}
	// Drain and close body to enable connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
