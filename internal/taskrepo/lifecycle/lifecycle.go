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

// Package lifecycle owns the process shutdown path. Signals, the writer
// supervisor and operators all stop the process through the same Handler.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned by Shutdown when the tasks outlive the timeout.
var ErrShutdownTimeout = errors.New("lifecycle: shutdown tasks did not complete in time")

// Handler is a one-shot stop latch. The first stop request wins and fixes the
// reason and exit code.
type Handler struct {
	log      *zap.Logger
	once     sync.Once
	stopping chan struct{}

	mu       sync.Mutex
	reason   string
	exitCode int
}

func New(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{log: logger.Named("lifecycle"), stopping: make(chan struct{})}
}

// StopApplication requests an abnormal stop. It satisfies coalesce.Stopper.
func (h *Handler) StopApplication() {
	h.Stop("repository writer ended unexpectedly", 1)
}

// Stop requests shutdown. Only the first call has an effect.
func (h *Handler) Stop(reason string, exitCode int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.reason, h.exitCode = reason, exitCode
		h.mu.Unlock()
		if exitCode != 0 {
			h.log.Error("Stopping application", zap.String("reason", reason), zap.Int("exit_code", exitCode))
		} else {
			h.log.Info("Stopping application", zap.String("reason", reason))
		}
		close(h.stopping)
	})
}

// Done is closed once a stop was requested.
func (h *Handler) Done() <-chan struct{} { return h.stopping }

// ShuttingDown reports whether a stop was requested.
func (h *Handler) ShuttingDown() bool {
	select {
	case <-h.stopping:
		return true
	default:
		return false
	}
}

// Reason returns the reason and exit code of the winning stop request.
func (h *Handler) Reason() (string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason, h.exitCode
}

// NotifySignals turns SIGINT and SIGTERM into a clean stop. The returned func
// stops listening.
func (h *Handler) NotifySignals() (stop func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-quit:
			h.Stop(fmt.Sprintf("received signal %s", sig), 0)
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(quit)
			close(done)
		})
	}
}

// Shutdown runs tasks with a deadline of timeout. Tasks receive a context that
// is cancelled at the deadline; if they have not returned by then Shutdown
// gives up on them and returns ErrShutdownTimeout.
func (h *Handler) Shutdown(timeout time.Duration, tasks func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	h.log.Info("Waiting for shutdown tasks to complete", zap.Duration("timeout", timeout))
	res := make(chan error, 1)
	go func() { res <- tasks(ctx) }()

	select {
	case err := <-res:
		if err != nil {
			h.log.Error("Error during shutdown", zap.Error(err))
			return err
		}
		h.log.Info("Shutdown tasks completed")
		return nil
	case <-ctx.Done():
		h.log.Error("Shutdown tasks did not complete in time", zap.Duration("timeout", timeout))
		_ = h.log.Sync()
		return ErrShutdownTimeout
	}
}
