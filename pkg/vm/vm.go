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

// Package vm executes a bytecode envelope: capability policy, quota
// enforcement, sandbox confinement, transactional logging, and a
// post-run checksum manifest, per §4.5 VM.
package vm

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/aplvm/pkg/bytecode"
	"github.com/tombee/aplvm/pkg/modelcache"
	"github.com/tombee/aplvm/pkg/policy"
	"github.com/tombee/aplvm/pkg/registry"
	"github.com/tombee/aplvm/pkg/sandbox"
	"github.com/tombee/aplvm/pkg/toolctx"
	"github.com/tombee/aplvm/pkg/txlog"
)

// Config wires a VM to its collaborators. Registry, Guard, and TxLog
// are required; PolicyStore, ModelCache, Prompter, Tracer, and Logger
// are optional and fall back to conservative defaults.
type Config struct {
	Registry    *registry.Registry
	Guard       *sandbox.Guard
	PolicyStore *policy.Store
	TxLog       *txlog.Logger
	ModelCache  *modelcache.Gate
	Tracer      trace.Tracer
	Logger      *slog.Logger

	DryRun    bool
	AutoGrant bool
	Prompter  Prompter
}

// Result is the outcome of a completed Run: the final slot values (for
// callers that want to inspect them, e.g. tests) and, when not a dry
// run, the post-run checksum manifest.
type Result struct {
	RunID     string
	Slots     map[string]any
	Checksums map[string]string
	Usage     sandbox.Limits
}

// VM executes one bytecode envelope against one sandbox.
type VM struct {
	cfg   Config
	env   *bytecode.Envelope
	appID string

	quotas *sandbox.Quotas
	cap    *CapPolicy

	slots map[string]any

	// effectsBuf accumulates the file effects the current instruction's
	// tool call reports through toolctx.Handle.Effects; flushed to
	// TxLog as a single entry per instruction.
	effectsBuf []effect
}

type effect struct {
	path    string
	created bool
}

// New validates env's app_id against its own content hash (a mismatch
// means the envelope was tampered with or corrupted after lowering),
// merges any PolicyStore quota overrides recorded for that app_id over
// the system defaults, and builds the VM's capability policy.
func New(cfg Config, env *bytecode.Envelope) (*VM, error) {
	if cfg.Registry == nil || cfg.Guard == nil || cfg.TxLog == nil {
		return nil, fmt.Errorf("vm: Registry, Guard, and TxLog are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/tombee/aplvm/pkg/vm")
	}

	computed, err := bytecode.AppID(env.Program)
	if err != nil {
		return nil, fmt.Errorf("vm: compute app_id: %w", err)
	}
	if env.AppID != "" && env.AppID != computed {
		return nil, fmt.Errorf("vm: envelope app_id %q does not match computed %q (bytecode was modified after lowering)", env.AppID, computed)
	}
	appID := computed

	limits := sandbox.Default()
	if cfg.PolicyStore != nil {
		if overrides, ok := cfg.PolicyStore.Limits(appID); ok {
			applyLimitOverrides(&limits, overrides)
		}
	}

	return &VM{
		cfg:    cfg,
		env:    env,
		appID:  appID,
		quotas: sandbox.NewQuotas(limits),
		cap:    newCapPolicy(appID, cfg.PolicyStore, cfg.AutoGrant, cfg.Prompter, env.Capabilities),
		slots:  make(map[string]any),
	}, nil
}

// AppID returns the content-addressed identifier this VM was built for.
func (v *VM) AppID() string { return v.appID }

// applyLimitOverrides copies the subset of a policy record's quota_name
// -> integer overrides that name a known counter onto limits; unknown
// names are ignored (a forward-compatible policy file may carry quota
// names this build doesn't meter yet).
func applyLimitOverrides(limits *sandbox.Limits, overrides map[string]int64) {
	if v, ok := overrides["io_bytes"]; ok {
		limits.IOBytes = v
	}
	if v, ok := overrides["files_written"]; ok {
		limits.FilesWritten = v
	}
	if v, ok := overrides["cpu_ms"]; ok {
		limits.CPUMillis = v
	}
	if v, ok := overrides["model_calls"]; ok {
		limits.ModelCalls = v
	}
}

// Run executes every instruction in program order, seeding the slot
// arena from inputs keyed by the names the envelope's Slots map
// records, and returns once the program completes or an instruction
// raises a fatal error. On error the run is logged FAILED and the
// error is returned; on success it is logged ok and, unless this is a
// dry run, a checksum manifest is computed over the sandbox's output
// tree.
func (v *VM) Run(ctx context.Context, inputs map[string]any) (*Result, error) {
	ctx, span := v.cfg.Tracer.Start(ctx, "vm.Run", trace.WithAttributes(
		attribute.String("app_id", v.appID),
		attribute.Bool("dry_run", v.cfg.DryRun),
		attribute.Int("instructions", len(v.env.Program.Instructions)),
	))
	defer span.End()

	for name, slot := range v.env.Slots {
		if val, ok := inputs[name]; ok {
			v.slots[slot] = val
		}
	}

	runID, err := v.cfg.TxLog.Start(v.cfg.DryRun)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("vm: start tx log: %w", err)
	}

	h := &toolctx.Handle{
		Guard:  v.cfg.Guard,
		Quotas: v.quotas,
		DryRun: v.cfg.DryRun,
		Effects: func(path string, created bool) {
			v.effectsBuf = append(v.effectsBuf, effect{path: path, created: created})
		},
	}
	ctx = toolctx.With(ctx, h)

	runErr := v.runInstructions(ctx)

	status := "ok"
	if runErr != nil {
		status = "failed"
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	if err := v.cfg.TxLog.End(status); err != nil {
		v.cfg.Logger.Warn("failed to close tx log", "error", err)
	}
	if runErr != nil {
		return nil, runErr
	}

	result := &Result{RunID: runID, Slots: v.slots, Usage: v.quotas.Usage()}
	if !v.cfg.DryRun {
		sums, err := computeChecksums(v.cfg.Guard.Root())
		if err != nil {
			return nil, fmt.Errorf("vm: compute checksum manifest: %w", err)
		}
		result.Checksums = sums
	}
	return result, nil
}

func (v *VM) runInstructions(ctx context.Context) error {
	for pc, instr := range v.env.Program.Instructions {
		if err := v.step(ctx, pc, instr); err != nil {
			return err
		}
	}
	return nil
}

// logInstructionEffect writes exactly one TxLog entry per executed
// instruction (§8 scenario 1: six instructions, six op entries),
// regardless of how many files (zero, one, or more) the instruction's
// tool call actually created. The first recorded effect's path is
// mirrored onto the entry's top-level path/created fields for the
// common single-file case; the full set is always available under
// Detail["created_paths"] for Undo to walk.
func (v *VM) logInstructionEffect(stepID, op string, failErr error) {
	var path string
	var created bool
	var paths []string
	for _, e := range v.effectsBuf {
		if !e.created {
			continue
		}
		paths = append(paths, e.path)
		if !created {
			path, created = e.path, true
		}
	}
	v.effectsBuf = nil

	detail := map[string]any{}
	if len(paths) > 0 {
		detail["created_paths"] = paths
	}
	if failErr != nil {
		detail["error"] = failErr.Error()
	}
	if len(detail) == 0 {
		detail = nil
	}

	if err := v.cfg.TxLog.Effect(stepID, op, path, created, detail); err != nil {
		v.cfg.Logger.Warn("failed to write tx log entry", "step_id", stepID, "op", op, "error", err)
	}
}
