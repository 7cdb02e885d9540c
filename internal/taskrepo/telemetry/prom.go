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

// Package telemetry exports the repository's Prometheus metrics and keeps the
// process-level totals printed in the end-of-process summary.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"taskrepo/pkg/coalesce"
)

var (
	// Global metrics only; no per-key labels.
	batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskrepo_batches_total",
		Help: "Write batches processed, by outcome",
	}, []string{"outcome"})
	rowsPerBatch = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskrepo_rows_per_batch",
		Help:    "Distribution of queued writes per batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
	batchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskrepo_batch_duration_seconds",
		Help:    "Time spent writing one batch, retries included",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	writesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskrepo_writes_submitted_total",
		Help: "Writes accepted into the queue (the naive one-write-per-request baseline)",
	})
	collisionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskrepo_update_collisions_total",
		Help: "Updates rejected because another update for the same key was pending",
	})
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskrepo_store_retries_total",
		Help: "Backoff waits taken after transient store errors",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskrepo_queue_depth",
		Help: "Writes queued and not yet pulled into a batch",
	})
	inflightUpdates = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskrepo_inflight_updates",
		Help: "Keys with an unresolved update",
	})
	writerUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskrepo_writer_up",
		Help: "1 while the background writer is running",
	})

	submitted   atomic.Int64
	rowsWritten atomic.Int64
	batchesOK   atomic.Int64
	batchesErr  atomic.Int64
	collisions  atomic.Int64
	retries     atomic.Int64
)

func init() {
	prometheus.MustRegister(batchesTotal, rowsPerBatch, batchSeconds, writesSubmitted,
		collisionsTotal, retriesTotal, queueDepth, inflightUpdates, writerUp)
}

// ObserveSubmit records n writes accepted into the queue.
func ObserveSubmit(n int) {
	if n <= 0 {
		return
	}
	submitted.Add(int64(n))
	writesSubmitted.Add(float64(n))
}

// ObserveBatch matches coalesce.Hooks.OnBatch.
func ObserveBatch(size int, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		batchesErr.Add(1)
	} else {
		batchesOK.Add(1)
		rowsWritten.Add(int64(size))
	}
	batchesTotal.WithLabelValues(outcome).Inc()
	rowsPerBatch.Observe(float64(size))
	batchSeconds.Observe(elapsed.Seconds())
}

// ObserveCollision matches coalesce.Hooks.OnCollision.
func ObserveCollision() {
	collisions.Add(1)
	collisionsTotal.Inc()
}

// ObserveRetry matches retry.Policy.OnRetry.
func ObserveRetry(attempt int, delay time.Duration, err error) {
	retries.Add(1)
	retriesTotal.Inc()
	zap.L().Warn("Transient store error, backing off",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
}

// Hooks returns repository hooks feeding these metrics. onCommitted, if non-nil,
// is chained as OnCommitted.
func Hooks[T any](onCommitted func(ctx context.Context, changes []coalesce.Change[T])) coalesce.Hooks[T] {
	return coalesce.Hooks[T]{
		OnBatch:     ObserveBatch,
		OnCollision: ObserveCollision,
		OnSubmit:    func(coalesce.Action) { ObserveSubmit(1) },
		OnCommitted: onCommitted,
	}
}

// Source is what the gauge sampler reads from.
type Source interface {
	Pending() int
	InFlightUpdates() int
	Running() bool
}

// Sample copies src into the gauges once.
func Sample(src Source) {
	queueDepth.Set(float64(src.Pending()))
	inflightUpdates.Set(float64(src.InFlightUpdates()))
	if src.Running() {
		writerUp.Set(1)
	} else {
		writerUp.Set(0)
	}
}

// StartSampler samples src every interval until ctx is done.
func StartSampler(ctx context.Context, src Source, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			Sample(src)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// StartMetricsEndpoint serves /metrics on addr in a background goroutine and
// returns the server so the caller can shut it down.
func StartMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("Metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return server
}
