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

package telemetry

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// thresholds holds human-readable configuration knobs captured at startup.
	thresholdsMu sync.RWMutex
	thresholds   = make(map[string]string)
)

// SetThreshold records a configuration value for the final summary.
func SetThreshold(name string, value string) {
	thresholdsMu.Lock()
	thresholds[name] = value
	thresholdsMu.Unlock()
}

func SetThresholdInt(name string, v int)                { SetThreshold(name, fmt.Sprintf("%d", v)) }
func SetThresholdDuration(name string, d time.Duration) { SetThreshold(name, d.String()) }

// Totals is a snapshot of the process-level counters.
type Totals struct {
	Submitted     int64
	RowsWritten   int64
	Batches       int64
	FailedBatches int64
	Collisions    int64
	Retries       int64
}

// Snapshot returns the current totals.
func Snapshot() Totals {
	return Totals{
		Submitted:     submitted.Load(),
		RowsWritten:   rowsWritten.Load(),
		Batches:       batchesOK.Load(),
		FailedBatches: batchesErr.Load(),
		Collisions:    collisions.Load(),
		Retries:       retries.Load(),
	}
}

// RoundTripReduction is the fraction of store round trips avoided compared to one
// transaction per write. ok is false until something was written.
func (t Totals) RoundTripReduction() (ratio float64, ok bool) {
	if t.RowsWritten == 0 {
		return 0, false
	}
	r := 1.0 - float64(t.Batches)/float64(t.RowsWritten)
	if r < 0 {
		r = 0
	}
	return r, true
}

func thresholdSnapshot() map[string]string {
	thresholdsMu.RLock()
	defer thresholdsMu.RUnlock()
	out := make(map[string]string, len(thresholds))
	for k, v := range thresholds {
		out[k] = v
	}
	return out
}

// PrintFinalMetrics writes a single end-of-process summary to w.
func PrintFinalMetrics(w io.Writer) {
	t := Snapshot()
	th := thresholdSnapshot()
	keys := make([]string, 0, len(th))
	for k := range th {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reduction := "n/a"
	if r, ok := t.RoundTripReduction(); ok {
		reduction = fmt.Sprintf("%.1f%%", r*100)
	}

	sep := strings.Repeat("-", 60)
	fmt.Fprintf(w, "[%s] Final repository metrics\n", time.Now().Format(time.RFC3339))
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-22s %12s\n", "Metric", "Value")
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-22s %12d\n", "Writes submitted", t.Submitted)
	fmt.Fprintf(w, "%-22s %12d\n", "Rows written", t.RowsWritten)
	fmt.Fprintf(w, "%-22s %12d\n", "Batches", t.Batches)
	fmt.Fprintf(w, "%-22s %12d\n", "Failed batches", t.FailedBatches)
	fmt.Fprintf(w, "%-22s %12d\n", "Update collisions", t.Collisions)
	fmt.Fprintf(w, "%-22s %12d\n", "Store retries", t.Retries)
	fmt.Fprintf(w, "%-22s %12s\n", "Round-trip reduction", reduction)
	fmt.Fprintln(w, sep)

	if len(keys) > 0 {
		fmt.Fprintln(w, "Configured thresholds")
		fmt.Fprintln(w, sep)
		for _, k := range keys {
			fmt.Fprintf(w, "%-30s %24s\n", k, th[k])
		}
		fmt.Fprintln(w, sep)
	}
	if pending := t.Submitted - t.RowsWritten; pending > 0 {
		fmt.Fprintf(w, "Unwritten: %d writes failed or were still queued at shutdown.\n", pending)
	}
}

// resetForTests clears the process totals and thresholds.
func resetForTests() {
	submitted.Store(0)
	rowsWritten.Store(0)
	batchesOK.Store(0)
	batchesErr.Store(0)
	collisions.Store(0)
	retries.Store(0)
	thresholdsMu.Lock()
	thresholds = make(map[string]string)
	thresholdsMu.Unlock()
}
