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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"taskrepo/internal/taskrepo/persistence"
)

const (
	pingTimeout        = time.Second
	goroutineThreshold = 100000
)

var (
	errWriterDown   = errors.New("repository writer is not running")
	errShuttingDown = errors.New("shutting down")
)

type writerState interface {
	Running() bool
}

type shutdownState interface {
	ShuttingDown() bool
}

// newHealth reports the process live while the writer loop runs, and ready while
// it is not shutting down and the configured backends answer a ping.
func newHealth(writer writerState, life shutdownState, adapters *persistence.Adapters) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineThreshold))
	health.AddLivenessCheck("writer", func() error {
		if !writer.Running() {
			return errWriterDown
		}
		return nil
	})
	health.AddReadinessCheck("shutdown", func() error {
		if life.ShuttingDown() {
			return errShuttingDown
		}
		return nil
	})
	if adapters.StorePing != nil {
		health.AddReadinessCheck("store", pingCheck("store", adapters.StorePing))
	}
	if adapters.CachePing != nil {
		health.AddReadinessCheck("cache", pingCheck("cache", adapters.CachePing))
	}
	return health
}

func pingCheck(name string, p persistence.Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s ping: %w", name, err)
		}
		return nil
	}
}
