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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/aplvm/pkg/aplerr"
	"github.com/tombee/aplvm/pkg/bytecode"
	"github.com/tombee/aplvm/pkg/registry"
	"github.com/tombee/aplvm/pkg/sandbox"
	"github.com/tombee/aplvm/pkg/toolctx"
	"github.com/tombee/aplvm/pkg/txlog"
)

func newTestVM(t *testing.T, reg *registry.Registry, env *bytecode.Envelope, cfgMod func(*Config)) (*VM, string) {
	t.Helper()
	root := t.TempDir()
	guard, err := sandbox.NewGuard(root)
	require.NoError(t, err)
	logPath := filepath.Join(root, "tx.jsonl")
	logger, err := txlog.Open(logPath)
	require.NoError(t, err)

	cfg := Config{
		Registry:  reg,
		Guard:     guard,
		TxLog:     logger,
		AutoGrant: true,
	}
	if cfgMod != nil {
		cfgMod(&cfg)
	}
	machine, err := New(cfg, env)
	require.NoError(t, err)
	return machine, root
}

func constEnvelope(t *testing.T, instrs []bytecode.Instruction, slots map[string]string, caps []string) *bytecode.Envelope {
	t.Helper()
	prog := bytecode.Program{Instructions: instrs}
	appID, err := bytecode.AppID(prog)
	require.NoError(t, err)
	return &bytecode.Envelope{AppID: appID, Program: prog, Slots: slots, Capabilities: caps}
}

func echoTool(name string) registry.Spec {
	return registry.Spec{
		Name: name,
		Impl: func(ctx context.Context, in, args map[string]any) (map[string]any, error) {
			return map[string]any{"out": in["in"]}, nil
		},
	}
}

func TestRunSixInstructionPipelineLogsOneEntryPerInstruction(t *testing.T) {
	reg := registry.New()
	reg.Register(echoTool("read_csv"))
	reg.Register(echoTool("profile"))
	reg.Register(echoTool("split_deterministic"))
	reg.Register(echoTool("train_lr"))
	reg.Register(echoTool("eval"))

	instrs := []bytecode.Instruction{
		{Op: bytecode.OpReadCSV, StepID: "s1", In: []bytecode.IOSlot{{Port: "in", Literal: 1.0}}, Out: []bytecode.IOSlot{{Port: "out", Slot: "S0"}}},
		{Op: bytecode.OpProfile, StepID: "s2", In: []bytecode.IOSlot{{Port: "in", Slot: "S0"}}, Out: []bytecode.IOSlot{{Port: "out", Slot: "S1"}}},
		{Op: bytecode.OpSplitDeterministic, StepID: "s3", In: []bytecode.IOSlot{{Port: "in", Slot: "S1"}}, Out: []bytecode.IOSlot{{Port: "out", Slot: "S2"}}},
		{Op: bytecode.OpTrainLR, StepID: "s4", In: []bytecode.IOSlot{{Port: "in", Slot: "S2"}}, Out: []bytecode.IOSlot{{Port: "out", Slot: "S3"}}},
		{Op: bytecode.OpEval, StepID: "s5", In: []bytecode.IOSlot{{Port: "in", Slot: "S3"}}, Out: []bytecode.IOSlot{{Port: "out", Slot: "S4"}}},
		{Op: bytecode.OpAssertGE, StepID: "s6", Slot: "S4", Threshold: 0},
	}
	env := constEnvelope(t, instrs, nil, nil)

	machine, root := newTestVM(t, reg, env, func(c *Config) { c.DryRun = true })
	// the guard reads a float so the assert passes
	env.Slots = map[string]string{}
	machine.slots["S4"] = 1.0
	_, err := machine.Run(context.Background(), nil)
	// ASSERT_GE reads slot S4, which s5 writes: the echo tools carry s1's
	// 1.0 literal through S0..S4, so the seeded value is overwritten by
	// the same float.
	require.NoError(t, err)

	entries, err := txlog.ReadAll(filepath.Join(root, "tx.jsonl"))
	require.NoError(t, err)
	var ops int
	for _, e := range entries {
		if e.Type == txlog.Effect {
			ops++
			assert.False(t, e.Created)
		}
	}
	assert.Equal(t, 6, ops)
}

func TestSandboxEscapeIsPermissionDenied(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.Spec{
		Name:         "read_csv",
		Capabilities: []string{"fs.read"},
		Impl: func(ctx context.Context, in, args map[string]any) (map[string]any, error) {
			p, _ := in["in"].(string)
			if _, err := fromCtxForTest(ctx).ReadFile(p); err != nil {
				return nil, err
			}
			return map[string]any{"out": "irrelevant"}, nil
		},
	})

	instrs := []bytecode.Instruction{
		{Op: bytecode.OpReadCSV, StepID: "s1", In: []bytecode.IOSlot{{Port: "in", Literal: "../etc/passwd"}}, Out: []bytecode.IOSlot{{Port: "out", Slot: "S0"}}},
	}
	env := constEnvelope(t, instrs, nil, []string{"fs.read"})
	machine, root := newTestVM(t, reg, env, nil)

	_, err := machine.Run(context.Background(), nil)
	require.Error(t, err)
	kind, ok := aplerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, aplerr.KindPermissionDenied, kind)

	entries, err := txlog.ReadAll(filepath.Join(root, "tx.jsonl"))
	require.NoError(t, err)
	require.Len(t, entries, 3) // RUN_START, one failed effect, RUN_END
	assert.Equal(t, "failed", entries[2].Status)
}

func TestQuotaBreachOnSecondWrite(t *testing.T) {
	reg := registry.New()
	writeCount := 0
	reg.Register(registry.Spec{
		Name: "write_blob",
		Impl: func(ctx context.Context, in, args map[string]any) (map[string]any, error) {
			writeCount++
			h := fromCtxForTest(ctx)
			name := filepath.Join("out", in["name"].(string))
			_, _, err := h.WriteFile(name, []byte(`{"payload":true}`), 0o644)
			if err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		},
	})

	instrs := []bytecode.Instruction{
		{Op: bytecode.OpCallTool, StepID: "s1", Tool: "write_blob", In: []bytecode.IOSlot{{Port: "name", Literal: "a.json"}}},
		{Op: bytecode.OpCallTool, StepID: "s2", Tool: "write_blob", In: []bytecode.IOSlot{{Port: "name", Literal: "b.json"}}},
	}
	env := constEnvelope(t, instrs, nil, nil)

	machine, root := newTestVM(t, reg, env, func(c *Config) {
		c.PolicyStore = nil
	})
	// low io_bytes limit forces the second write to breach quota
	machine.quotas = sandbox.NewQuotas(sandbox.Limits{IOBytes: 17, FilesWritten: 100, CPUMillis: 30_000, ModelCalls: 10})

	_, err := machine.Run(context.Background(), nil)
	require.Error(t, err)
	kind, ok := aplerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, aplerr.KindQuotaExceeded, kind)

	_, statErr := os.Stat(filepath.Join(root, "out", "a.json"))
	assert.NoError(t, statErr, "first write must be present on disk")
}

func TestAssertGEStrictRejectsEquality(t *testing.T) {
	reg := registry.New()
	instrs := []bytecode.Instruction{
		{Op: bytecode.OpAssertGE, StepID: "g", Slot: "S0", Threshold: 0.6, Strict: true},
	}
	env := constEnvelope(t, instrs, nil, nil)
	machine, _ := newTestVM(t, reg, env, nil)
	machine.slots["S0"] = 0.6

	_, err := machine.Run(context.Background(), nil)
	require.Error(t, err)
	kind, ok := aplerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, aplerr.KindGuardFailed, kind)
}

func TestAssertGENonStrictAcceptsEquality(t *testing.T) {
	reg := registry.New()
	instrs := []bytecode.Instruction{
		{Op: bytecode.OpAssertGE, StepID: "g", Slot: "S0", Threshold: 0.6, Strict: false},
	}
	env := constEnvelope(t, instrs, nil, nil)
	machine, _ := newTestVM(t, reg, env, nil)
	machine.slots["S0"] = 0.6

	_, err := machine.Run(context.Background(), nil)
	require.NoError(t, err)
}

func TestAssertGEMissingSlotIsMissingInputNotGuardFailed(t *testing.T) {
	reg := registry.New()
	instrs := []bytecode.Instruction{
		{Op: bytecode.OpAssertGE, StepID: "g", Slot: "S9", Threshold: 0.6},
	}
	env := constEnvelope(t, instrs, nil, nil)
	machine, _ := newTestVM(t, reg, env, nil)

	_, err := machine.Run(context.Background(), nil)
	require.Error(t, err)
	kind, ok := aplerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, aplerr.KindMissingInput, kind)
}

func TestUnknownToolIsUnknownTool(t *testing.T) {
	reg := registry.New()
	instrs := []bytecode.Instruction{
		{Op: bytecode.OpCallTool, StepID: "s1", Tool: "does_not_exist"},
	}
	env := constEnvelope(t, instrs, nil, nil)
	machine, _ := newTestVM(t, reg, env, nil)

	_, err := machine.Run(context.Background(), nil)
	require.Error(t, err)
	kind, ok := aplerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, aplerr.KindUnknownTool, kind)
}

func TestChecksumManifestOmittedOnDryRunPresentOtherwise(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.Spec{
		Name: "write_blob",
		Impl: func(ctx context.Context, in, args map[string]any) (map[string]any, error) {
			h := fromCtxForTest(ctx)
			_, _, err := h.WriteFile("out/a.json", []byte(`{}`), 0o644)
			return map[string]any{}, err
		},
	})
	instrs := []bytecode.Instruction{{Op: bytecode.OpCallTool, StepID: "s1", Tool: "write_blob"}}
	env := constEnvelope(t, instrs, nil, nil)

	dryMachine, _ := newTestVM(t, reg, env, func(c *Config) { c.DryRun = true })
	dryResult, err := dryMachine.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, dryResult.Checksums)

	wetMachine, _ := newTestVM(t, reg, env, nil)
	wetResult, err := wetMachine.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Contains(t, wetResult.Checksums, "out/a.json")
}

func TestTypedOpcodeAndCallToolShareTheSameRegistryEntry(t *testing.T) {
	reg := registry.New()
	var sawInputs []string
	reg.Register(registry.Spec{
		Name: "profile",
		Impl: func(ctx context.Context, in, args map[string]any) (map[string]any, error) {
			v, _ := in["in"].(string)
			sawInputs = append(sawInputs, v)
			return map[string]any{"out": v}, nil
		},
	})

	instrs := []bytecode.Instruction{
		{Op: bytecode.OpProfile, StepID: "s1", In: []bytecode.IOSlot{{Port: "in", Literal: "typed"}}},
		{Op: bytecode.OpCallTool, StepID: "s2", Tool: "profile", In: []bytecode.IOSlot{{Port: "in", Literal: "call_tool"}}},
	}
	env := constEnvelope(t, instrs, nil, nil)
	machine, _ := newTestVM(t, reg, env, nil)

	_, err := machine.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"typed", "call_tool"}, sawInputs)
}

// fromCtxForTest is a thin helper kept local to the test file so
// registered test tools can reach the handle without importing
// toolctx at package scope (it's already an indirect import via vm.go).
func fromCtxForTest(ctx context.Context) *toolctx.Handle {
	return toolctx.From(ctx)
}

var _ = json.Marshal // silence unused import if a future edit trims JSON assertions
