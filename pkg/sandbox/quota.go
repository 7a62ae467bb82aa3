// Copyright 2025 Tom Barlow
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

package sandbox

import (
	"sync"

	"github.com/tombee/aplvm/pkg/aplerr"
)

// Limits holds the per-run ceilings for each metered resource. Zero
// value is not "unlimited" — use Default() for the system's defaults.
type Limits struct {
	IOBytes      int64
	FilesWritten int64
	CPUMillis    int64
	ModelCalls   int64
}

// Default returns the system's baseline quotas: 50 MiB of I/O, 100
// files written, 30s of CPU time, and 10 model calls per run.
func Default() Limits {
	return Limits{
		IOBytes:      50 * 1024 * 1024,
		FilesWritten: 100,
		CPUMillis:    30_000,
		ModelCalls:   10,
	}
}

// Quotas tracks cumulative usage against a fixed set of Limits.
// Charges are rejected outright once a metric would exceed its limit;
// there is no warn-only threshold, only hard per-metric caps.
type Quotas struct {
	mu     sync.Mutex
	limits Limits
	usage  Limits
}

// NewQuotas returns a tracker charging against limits.
func NewQuotas(limits Limits) *Quotas {
	return &Quotas{limits: limits}
}

// ChargeIOBytes adds n bytes to the I/O usage counter.
func (q *Quotas) ChargeIOBytes(n int64) error {
	return q.charge("io_bytes", &q.usage.IOBytes, n, q.limits.IOBytes)
}

// ChargeFileWritten increments the files-written counter by one.
func (q *Quotas) ChargeFileWritten() error {
	return q.charge("files_written", &q.usage.FilesWritten, 1, q.limits.FilesWritten)
}

// ChargeCPUMillis adds n milliseconds to the CPU-time counter.
func (q *Quotas) ChargeCPUMillis(n int64) error {
	return q.charge("cpu_ms", &q.usage.CPUMillis, n, q.limits.CPUMillis)
}

// ChargeModelCall increments the model-call counter by one.
func (q *Quotas) ChargeModelCall() error {
	return q.charge("model_calls", &q.usage.ModelCalls, 1, q.limits.ModelCalls)
}

// Usage returns a snapshot of cumulative usage, for the run's
// Result.Usage and the quota-usage gauges in internal/metrics.
func (q *Quotas) Usage() Limits {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usage
}

func (q *Quotas) charge(metric string, counter *int64, n, limit int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := *counter + n
	if next > limit {
		return &aplerr.QuotaExceededError{Metric: metric, Usage: next, Limit: limit}
	}
	*counter = next
	return nil
}
