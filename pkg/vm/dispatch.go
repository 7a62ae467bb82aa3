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

package vm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/aplvm/pkg/aplerr"
	"github.com/tombee/aplvm/pkg/bytecode"
	"github.com/tombee/aplvm/pkg/modelcache"
	"github.com/tombee/aplvm/pkg/registry"
	"github.com/tombee/aplvm/pkg/value"
)

// typedToolNames maps a legacy typed opcode to the registry tool name
// it dispatches to, so both the typed path and an equivalent CALL_TOOL
// step resolve to the identical registered Func.
var typedToolNames = map[string]string{
	bytecode.OpReadCSV:            "read_csv",
	bytecode.OpProfile:            "profile",
	bytecode.OpSplitDeterministic: "split_deterministic",
	bytecode.OpTrainLR:            "train_lr",
	bytecode.OpEval:               "eval",
	bytecode.OpEmitReport:         "emit_report",
	bytecode.OpBuildCLI:           "build_cli",
	bytecode.OpZipDir:             "zip_dir",
	bytecode.OpVerifyZip:          "verify_zip",
	bytecode.OpVerifyCLI:          "verify_cli",
}

// computeHeavyTools names the tools §4.5's quota-charging paragraph
// calls out by importance factor: training, evaluation, splitting, and
// profiling measure their own wall time, charged at 10x instead of the
// nominal flat charge every other tool call receives.
var computeHeavyTools = map[string]bool{
	"train_lr":            true,
	"eval":                true,
	"split_deterministic": true,
	"profile":             true,
}

// step dispatches one instruction: LOAD_CONST and ASSERT_GE are
// special-cased (they touch no tool), every typed opcode and
// CALL_TOOL both funnel through execTool against the same registry
// entry.
func (v *VM) step(ctx context.Context, pc int, instr bytecode.Instruction) error {
	ctx, span := v.cfg.Tracer.Start(ctx, "vm.step", trace.WithAttributes(
		attribute.Int("pc", pc),
		attribute.String("op", instr.Op),
		attribute.String("step_id", instr.StepID),
	))
	defer span.End()

	var err error
	switch instr.Op {
	case bytecode.OpLoadConst:
		err = v.execLoadConst(instr)
	case bytecode.OpAssertGE:
		err = v.execAssertGE(instr)
	case bytecode.OpCallTool:
		err = v.execTool(ctx, instr.StepID, instr.Tool, instr.In, instr.Out, instr.Args)
	default:
		tool, ok := typedToolNames[instr.Op]
		if !ok {
			err = &aplerr.UnknownOpcodeError{Opcode: instr.Op, PC: pc}
			break
		}
		err = v.execTool(ctx, instr.StepID, tool, instr.In, instr.Out, instr.Args)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// execLoadConst writes a literal constant straight into its output
// slot. It is the one instruction with no input ports at all: the
// value to store lives in Args["value"].
func (v *VM) execLoadConst(instr bytecode.Instruction) error {
	out, ok := bytecode.Find(instr.Out, "out")
	if !ok && len(instr.Out) > 0 {
		out = instr.Out[0]
	}
	if out.Slot == "" {
		return &aplerr.LowerError{StepID: instr.StepID, Reason: "LOAD_CONST has no output slot"}
	}
	v.slots[out.Slot] = instr.Args["value"]
	v.logInstructionEffect(instr.StepID, instr.Op, nil)
	return nil
}

// execAssertGE evaluates one guard. The lowerer does not bake an
// epsilon into Threshold for strict "greater than" guards — it passes
// the parsed threshold through unchanged and records Strict so the VM
// itself can choose the comparison: Strict demands got > threshold,
// non-strict accepts got == threshold. An unwritten slot is
// MissingInput, never GuardFailed (§8 boundary behavior).
func (v *VM) execAssertGE(instr bytecode.Instruction) error {
	got, ok := v.slots[instr.Slot]
	if !ok {
		return &aplerr.MissingInputError{Slot: instr.Slot}
	}

	var val float64
	if instr.Field != "" {
		val, ok = value.FieldPath(got, instr.Field)
	} else {
		switch n := got.(type) {
		case float64:
			val, ok = n, true
		case int:
			val, ok = float64(n), true
		default:
			val, ok = value.FieldPath(got, instr.Field)
		}
	}
	if !ok {
		return &aplerr.MissingInputError{Slot: instr.Slot}
	}

	satisfied := val >= instr.Threshold
	if instr.Strict {
		satisfied = val > instr.Threshold
	}
	if !satisfied {
		err := &aplerr.GuardFailedError{Field: instr.Field, Value: val, Threshold: instr.Threshold}
		v.logInstructionEffect(instr.StepID, instr.Op, err)
		return err
	}
	v.logInstructionEffect(instr.StepID, instr.Op, nil)
	return nil
}

// execTool is the common path for both CALL_TOOL and every typed
// opcode: resolve inputs, require capabilities, dispatch to the
// registry (directly or through its MCP pool, gated through
// ModelCache when the tool is declared non-deterministic), write
// declared outputs, and charge cpu_ms.
func (v *VM) execTool(ctx context.Context, stepID, tool string, ins, outs []bytecode.IOSlot, args map[string]any) error {
	spec, ok := v.cfg.Registry.Get(tool)
	if !ok {
		err := &aplerr.UnknownToolError{Tool: tool}
		v.logInstructionEffect(stepID, tool, err)
		return err
	}

	for _, capability := range spec.Capabilities {
		if err := v.cap.Require(capability); err != nil {
			v.logInstructionEffect(stepID, tool, err)
			return err
		}
	}

	in := make(map[string]any, len(ins))
	for _, slot := range ins {
		if slot.IsRef() {
			val, ok := v.slots[slot.Slot]
			if !ok {
				err := &aplerr.MissingInputError{Slot: slot.Slot}
				v.logInstructionEffect(stepID, tool, err)
				return err
			}
			in[slot.Port] = val
		} else {
			in[slot.Port] = slot.Literal
		}
	}

	start := time.Now()
	out, err := v.invoke(ctx, spec, in, args)
	if err != nil {
		wrapped := wrapToolErr(tool, err)
		v.logInstructionEffect(stepID, tool, wrapped)
		return wrapped
	}

	cpuCharge := int64(10)
	if computeHeavyTools[tool] {
		cpuCharge = time.Since(start).Milliseconds() * 10
		if cpuCharge < 10 {
			cpuCharge = 10
		}
	}
	if err := v.quotas.ChargeCPUMillis(cpuCharge); err != nil {
		v.logInstructionEffect(stepID, tool, err)
		return err
	}

	for _, slot := range outs {
		if !slot.IsRef() {
			continue
		}
		val, ok := out[slot.Port]
		if !ok {
			err := &aplerr.ToolFailureError{Tool: tool, Cause: fmt.Errorf("did not produce declared output %q", slot.Port)}
			v.logInstructionEffect(stepID, tool, err)
			return err
		}
		v.slots[slot.Slot] = val
	}

	v.logInstructionEffect(stepID, tool, nil)
	return nil
}

// invoke dispatches to spec's Go implementation or its MCP pool.
// Tools declared with a non-empty Model are routed through ModelCache
// so a replayed run serves the identical output from the cache instead
// of re-invoking a non-deterministic backend (§4.4's determinism
// contract).
func (v *VM) invoke(ctx context.Context, spec registry.Spec, in, args map[string]any) (map[string]any, error) {
	call := func(ctx context.Context) (map[string]any, error) {
		switch {
		case spec.Impl != nil:
			return spec.Impl(ctx, in, args)
		default:
			if _, _, ok := spec.MCPTarget(); ok {
				return v.cfg.Registry.CallMCP(ctx, spec, mergeArgs(in, args))
			}
			return nil, fmt.Errorf("tool %q has neither a Go implementation nor an mcp locator", spec.Name)
		}
	}

	if spec.Model == "" || v.cfg.ModelCache == nil {
		return call(ctx)
	}

	backend := func(ctx context.Context, model string, inputs map[string]any) (map[string]any, modelcache.Meta, error) {
		out, err := call(ctx)
		return out, modelcache.Meta{}, err
	}
	return v.cfg.ModelCache.Call(ctx, spec.Model, in, backend)
}

func mergeArgs(in, args map[string]any) map[string]any {
	if len(args) == 0 {
		return in
	}
	out := make(map[string]any, len(in)+len(args))
	for k, v := range in {
		out[k] = v
	}
	for k, v := range args {
		out[k] = v
	}
	return out
}

// wrapToolErr preserves a tool error's original Kind (PermissionDenied,
// QuotaExceeded, MissingInput, ...) wherever it appears in err's
// Unwrap chain, including when a tool or sandbox helper has wrapped it
// with fmt.Errorf("...: %w", err); only a genuinely untyped error
// (§4.5 step 6's "tool exception") is promoted to ToolFailure.
func wrapToolErr(tool string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := aplerr.KindOf(err); ok {
		return err
	}
	return &aplerr.ToolFailureError{Tool: tool, Cause: err}
}
