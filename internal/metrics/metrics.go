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

// Package metrics exposes prometheus counters and histograms for the
// compiler and VM, registered once at process startup. The run command
// calls RecordRun after each vm.Run; RecordInstruction,
// RecordQuotaExceeded and RecordReplayDiff have no callers outside this
// package's tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tombee/aplvm/pkg/sandbox"
)

var (
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aplvm_run_duration_seconds",
			Help:    "Duration of a VM run",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	instructionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aplvm_instructions_executed_total",
			Help: "Total instructions executed by the VM, by opcode",
		},
		[]string{"op"},
	)

	quotaUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aplvm_quota_usage",
			Help: "Cumulative quota usage for the most recently completed run, by metric",
		},
		[]string{"metric"},
	)

	quotaExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aplvm_quota_exceeded_total",
			Help: "Total runs that aborted on a quota breach, by metric",
		},
		[]string{"metric"},
	)

	replayDiffs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aplvm_replay_diffs_total",
			Help: "Total checksum diffs found across replay invocations, by kind",
		},
		[]string{"kind"},
	)
)

// RecordRun observes one VM run's duration and status ("ok" or
// "failed") and snapshots its final quota usage into the gauges.
func RecordRun(durationSeconds float64, status string, usage sandbox.Limits) {
	runDuration.WithLabelValues(status).Observe(durationSeconds)
	quotaUsage.WithLabelValues("io_bytes").Set(float64(usage.IOBytes))
	quotaUsage.WithLabelValues("files_written").Set(float64(usage.FilesWritten))
	quotaUsage.WithLabelValues("cpu_ms").Set(float64(usage.CPUMillis))
	quotaUsage.WithLabelValues("model_calls").Set(float64(usage.ModelCalls))
}

// RecordInstruction increments the executed-instruction counter for op.
func RecordInstruction(op string) {
	instructionsExecuted.WithLabelValues(op).Inc()
}

// RecordQuotaExceeded increments the quota-breach counter for metric.
func RecordQuotaExceeded(metric string) {
	quotaExceeded.WithLabelValues(metric).Inc()
}

// RecordReplayDiff increments the replay-diff counter for kind
// ("missing-now" or "hash-mismatch").
func RecordReplayDiff(kind string) {
	replayDiffs.WithLabelValues(kind).Inc()
}
