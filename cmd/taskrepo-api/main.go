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

// Package main runs the task repository service.
//
// Writes submitted through the HTTP API are queued and committed by a single
// background writer in batches of up to -batch_size rows, one store round-trip per
// batch. Reads go to the cache first and fall back to the store.
//
// The process shuts down on SIGINT/SIGTERM, or by itself when the writer loop dies
// unexpectedly. In both cases in-flight batches are allowed to finish and a
// persistence summary is printed before exit.
//
// Every setting can come from the environment (see internal/taskrepo/config) and
// be overridden with a flag:
//
//	go run ./cmd/taskrepo-api -store=postgres -postgres_dsn=postgres://... -cache=redis -redis_addr=localhost:6379
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"taskrepo/internal/taskrepo/api"
	"taskrepo/internal/taskrepo/config"
	"taskrepo/internal/taskrepo/core"
	"taskrepo/internal/taskrepo/lifecycle"
	"taskrepo/internal/taskrepo/persistence"
	"taskrepo/internal/taskrepo/telemetry"
	"taskrepo/pkg/coalesce"
	"taskrepo/pkg/retry"
)

const (
	sampleInterval  = time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	os.Exit(run(os.Args[0], os.Args[1:]))
}

func run(name string, args []string) int {
	cfg, err := config.Load(name, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 2
	}
	log, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()
	recordThresholds(cfg)

	// 1. Storage, cache and change feed.
	startCtx, cancelStart := context.WithTimeout(context.Background(), shutdownTimeout)
	adapters, err := persistence.BuildAdapters(startCtx, cfg.Persistence, log)
	cancelStart()
	if err != nil {
		log.Error("Could not initialise persistence", zap.Error(err))
		return 1
	}

	// 2. Lifecycle: signals and writer faults both end up in handler.Stop.
	handler := lifecycle.New(log)
	stopSignals := handler.NotifySignals()
	defer stopSignals()
	supervisor := coalesce.NewSupervisor(handler, cfg.ShutdownGrace, log)

	// 3. Repository and its background writer.
	policy := retry.Default(adapters.IsTransient)
	policy.MaxAttempts = cfg.RetryMaxAttempts
	policy.OnRetry = telemetry.ObserveRetry

	var onCommitted func(context.Context, []coalesce.Change[core.Task])
	if adapters.Feed != nil {
		onCommitted = adapters.Feed.Publish
	}
	repo, err := core.NewTaskRepository(adapters.Store, core.Options{
		BatchSize:    cfg.BatchSize,
		Retry:        policy,
		Hooks:        telemetry.Hooks[core.Task](onCommitted),
		OnWriterExit: supervisor.WriterEnded,
		Cache:        adapters.Cache,
		InactiveTTL:  cfg.InactiveTTL,
		Logger:       log,
	})
	if err != nil {
		log.Error("Could not create task repository", zap.Error(err))
		_ = adapters.Close()
		return 1
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	repo.Start(runCtx)
	telemetry.StartSampler(runCtx, repo, sampleInterval)

	// 4. Side endpoints: metrics and health.
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = telemetry.StartMetricsEndpoint(cfg.MetricsAddr)
	}
	var healthServer *http.Server
	if cfg.HealthAddr != "" {
		healthServer = &http.Server{Addr: cfg.HealthAddr, Handler: newHealth(repo, handler, adapters)}
		go serve(log, "health", healthServer, handler)
	}

	// 5. The task API.
	apiServer := api.NewServer(repo, log).NewHTTPServer(cfg.HTTPAddr)
	go serve(log, "api", apiServer, handler)
	log.Info("Task repository ready",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("store", cfg.Persistence.StoreAdapter),
		zap.String("cache", cfg.Persistence.CacheAdapter),
		zap.String("feed", cfg.Persistence.FeedAdapter),
		zap.Int("batch_size", cfg.BatchSize))

	<-handler.Done()
	reason, code := handler.Reason()
	log.Info("Shutting down", zap.String("reason", reason))

	err = handler.Shutdown(shutdownTimeout, func(ctx context.Context) error {
		var errs []error
		// Stop taking requests first so nothing new reaches the queue.
		if err := apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
		// Close waits for the batch in flight; queued writes behind it are dropped.
		if err := repo.Close(); err != nil && !errors.Is(err, coalesce.ErrNotStarted) {
			errs = append(errs, fmt.Errorf("repository: %w", err))
		}
		cancelRun()
		for _, srv := range []*http.Server{healthServer, metricsServer} {
			if srv != nil {
				_ = srv.Shutdown(ctx)
			}
		}
		if err := adapters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("adapters: %w", err))
		}
		return errors.Join(errs...)
	})
	if err != nil {
		log.Error("Shutdown was not clean", zap.Error(err))
		if code == 0 {
			code = 1
		}
	}

	telemetry.PrintFinalMetrics(os.Stdout)
	fmt.Println("Server stopped.")
	return code
}

// serve runs srv until it is shut down. A listener failure stops the application.
func serve(log *zap.Logger, name string, srv *http.Server, handler *lifecycle.Handler) {
	log.Info("Listening", zap.String("server", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Listener failed", zap.String("server", name), zap.Error(err))
		handler.Stop(fmt.Sprintf("%s listener failed: %v", name, err), 1)
	}
}

func recordThresholds(cfg config.Config) {
	telemetry.SetThreshold("store", cfg.Persistence.StoreAdapter)
	telemetry.SetThreshold("cache", cfg.Persistence.CacheAdapter)
	telemetry.SetThreshold("feed", cfg.Persistence.FeedAdapter)
	telemetry.SetThreshold("http_addr", cfg.HTTPAddr)
	telemetry.SetThresholdInt("batch_size", cfg.BatchSize)
	telemetry.SetThresholdInt("retry_max_attempts", cfg.RetryMaxAttempts)
	telemetry.SetThresholdDuration("shutdown_grace", cfg.ShutdownGrace)
	telemetry.SetThresholdDuration("cache_inactive_ttl", cfg.InactiveTTL)
}
