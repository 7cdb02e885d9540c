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

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultShutdownGrace leaves time for telemetry to flush before the process stops.
const DefaultShutdownGrace = 40 * time.Second

// Stopper is the host process's shutdown entry point.
type Stopper interface {
	StopApplication()
}

// StopperFunc adapts a function to Stopper.
type StopperFunc func()

// StopApplication implements Stopper.
func (f StopperFunc) StopApplication() { f() }

// Supervisor watches the writer loop. A cooperative stop is logged and ignored.
// Anything else is logged as critical and, after the grace delay, stops the
// application exactly once.
type Supervisor struct {
	stopper Stopper
	grace   time.Duration
	log     *zap.Logger
	console io.Writer

	once sync.Once
}

// NewSupervisor returns a supervisor that calls stopper after grace. A
// non-positive grace uses DefaultShutdownGrace.
func NewSupervisor(stopper Stopper, grace time.Duration, logger *zap.Logger) *Supervisor {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Supervisor{
		stopper: stopper,
		grace:   grace,
		log:     logger.Named("supervisor"),
		console: os.Stderr,
	}
}

// WriterEnded is meant for Options.OnWriterExit.
func (s *Supervisor) WriterEnded(err error) {
	if errors.Is(err, context.Canceled) {
		s.log.Info("Repository writer stopped", zap.String("reason", "cancelled"))
		return
	}

	if err != nil {
		s.log.Error("Repository writer faulted",
			zap.String("severity", "critical"),
			zap.Error(err))
		fmt.Fprintf(s.console, "CRITICAL: repository writer faulted: %v\n", err)
	}
	s.log.Error("Repository writer ended unexpectedly, stopping application",
		zap.String("severity", "critical"),
		zap.Duration("grace", s.grace))
	fmt.Fprintf(s.console, "CRITICAL: repository writer ended unexpectedly; stopping application in %s\n", s.grace)

	s.once.Do(func() {
		time.AfterFunc(s.grace, func() {
			_ = s.log.Sync()
			if s.stopper != nil {
				s.stopper.StopApplication()
			}
		})
	})
}
