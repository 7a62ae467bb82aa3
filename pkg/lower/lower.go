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

// Package lower compiles a validated plan into a bytecode envelope:
// slot allocation, guard-expression compilation, and the legacy
// typed-opcode vs. CALL_TOOL dispatch decision for each step.
package lower

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/aplvm/pkg/aplerr"
	"github.com/tombee/aplvm/pkg/bytecode"
	"github.com/tombee/aplvm/pkg/plan"
	"github.com/tombee/aplvm/pkg/symtab"
)

// ToolCapabilities is the subset of a tool registry the lowerer needs:
// enough to tell which declared capabilities a plan's CALL_TOOL steps
// actually exercise, for the unused-capability warning. Kept as an
// interface here so pkg/lower does not import pkg/registry.
type ToolCapabilities interface {
	Capabilities(tool string) ([]string, bool)
}

// Result is the outcome of a successful lower: the envelope plus any
// non-fatal warnings (currently just unused-capability notices).
type Result struct {
	Envelope *bytecode.Envelope
	Warnings []string
}

// Lower compiles p into a bytecode envelope. tools may be nil, in
// which case the unused-capability warning is skipped (it requires
// knowing each tool's capability footprint).
func Lower(p *plan.Plan, tools ToolCapabilities) (*Result, error) {
	st := symtab.New()

	var instrs []bytecode.Instruction
	exercised := make(map[string]bool)
	lastBuildCLIOut := ""

	for _, step := range p.Steps {
		ins, err := lowerStep(st, step, p.Inputs)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, ins...)

		if strings.ToUpper(step.Op) == bytecode.OpBuildCLI {
			if out, ok := bytecode.Find(ins[len(ins)-1].Out, "out"); ok {
				lastBuildCLIOut = out.Slot
			} else if len(ins[len(ins)-1].Out) > 0 {
				lastBuildCLIOut = ins[len(ins)-1].Out[0].Slot
			}
		}

		if tools != nil {
			if caps, ok := tools.Capabilities(step.Op); ok {
				for _, c := range caps {
					exercised[c] = true
				}
			}
		}

		if step.Cond != "" {
			g, err := parseGuard(st, step.ID, step.Cond)
			if err != nil {
				return nil, err
			}
			instrs = append(instrs, bytecode.Instruction{
				Op:        bytecode.OpAssertGE,
				StepID:    step.ID,
				Slot:      g.Slot,
				Field:     g.Field,
				Threshold: g.Threshold,
				Strict:    g.Strict,
			})
		}
	}

	for _, vs := range p.Verify {
		ins, err := lowerVerify(st, vs, lastBuildCLIOut)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, ins)
	}

	prog := bytecode.Program{Instructions: instrs}
	appID, err := bytecode.AppID(prog)
	if err != nil {
		return nil, fmt.Errorf("compute app_id: %w", err)
	}

	meta := map[string]any{"goal": p.Goal, "compilation_mode": "tool"}
	if len(p.Inputs) > 0 {
		meta["inputs"] = p.Inputs
	}
	if p.GeneratedAt != "" {
		meta["_generated_at"] = p.GeneratedAt
	}
	if len(p.Rollback) > 0 {
		meta["rollback"] = p.Rollback
	}

	env := &bytecode.Envelope{
		AppID:        appID,
		Program:      prog,
		Capabilities: p.Capabilities,
		Slots:        st.Slots(),
		Metadata:     meta,
	}

	var warnings []string
	for _, capName := range p.Capabilities {
		if !exercised[capName] {
			warnings = append(warnings, fmt.Sprintf("capability %q is declared but never exercised by any step", capName))
		}
	}

	return &Result{Envelope: env, Warnings: warnings}, nil
}

// lowerStep emits the instruction(s) for one plan step. A step whose
// op matches one of the typed legacy opcodes is emitted directly;
// anything else is dispatched through CALL_TOOL with Op as the tool
// name (including "mcp:<server>:<remote_name>" locators, which the
// registry resolves at run time, not at lower time). A "guard" step
// emits nothing here; its cond becomes the ASSERT_GE that Lower
// appends. A split_deterministic step whose out is not a {train, val}
// mapping is a LowerError.
//
// inputs is the plan's top-level inputs map: per §4.2 step 1, a
// "$name" appearing in a step's "in" resolves against inputs first,
// compiling straight to a Literal carrying inputs[name], and only
// falls through to a Symtab slot when no such entry exists (i.e. the
// name is some earlier step's output). "out" never consults inputs —
// a step's outputs are always freshly written slots.
func lowerStep(st *symtab.Table, s plan.Step, inputs map[string]string) ([]bytecode.Instruction, error) {
	op := strings.ToUpper(s.Op)

	if op == "GUARD" {
		// A guard step compiles only to the ASSERT_GE that Lower emits from its cond.
		if s.Cond == "" {
			return nil, &aplerr.LowerError{StepID: s.ID, Reason: "guard step has no cond"}
		}
		return nil, nil
	}
	if op == bytecode.OpSplitDeterministic && (!s.Out.IsMap || s.Out.Map["train"] == "" || s.Out.Map["val"] == "") {
		return nil, &aplerr.LowerError{StepID: s.ID, Reason: "split_deterministic requires an explicit {train, val} output mapping"}
	}

	in := resolveInRef(st, s.In, "in", inputs)
	out := resolveRef(st, s.Out, "out")

	if bytecode.TypedOps[op] {
		return []bytecode.Instruction{{
			Op:     op,
			StepID: s.ID,
			In:     in,
			Out:    out,
			Args:   s.Args,
		}}, nil
	}

	if s.Op == "" {
		return nil, &aplerr.LowerError{StepID: s.ID, Reason: "step has no op"}
	}

	return []bytecode.Instruction{{
		Op:     bytecode.OpCallTool,
		StepID: s.ID,
		Tool:   s.Op,
		In:     in,
		Out:    out,
		Args:   s.Args,
	}}, nil
}

// lowerVerify emits the instruction for one plan-level verify entry.
// "assert_ge" and the two dedicated verify opcodes (§4.2 VERIFY BLOCK)
// compile directly; anything else is a CALL_TOOL against the registry.
func lowerVerify(st *symtab.Table, vs plan.VerifyStep, lastBuildCLIOut string) (bytecode.Instruction, error) {
	switch vs.Op {
	case "assert_ge":
		threshold, ok := numericArg(vs.Args, "gte")
		if !ok {
			return bytecode.Instruction{}, &aplerr.LowerError{Reason: "assert_ge verify step missing numeric \"gte\" arg"}
		}
		if vs.Target == "" || !symtab.IsRef(vs.Target) {
			return bytecode.Instruction{}, &aplerr.LowerError{Reason: "assert_ge verify step missing a \"$slot\" target"}
		}
		return bytecode.Instruction{
			Op:        bytecode.OpAssertGE,
			Slot:      st.Slot(vs.Target),
			Field:     symtab.FieldPath(vs.Target),
			Threshold: threshold,
		}, nil

	case "verify_zip":
		path, ok := vs.Args["path"]
		ref := vs.Target
		var in bytecode.IOSlot
		switch {
		case symtab.IsRef(ref):
			in = bytecode.IOSlot{Port: "path", Slot: st.Slot(ref)}
		case ok:
			in = bytecode.IOSlot{Port: "path", Literal: path}
		case ref != "":
			in = bytecode.IOSlot{Port: "path", Literal: ref}
		default:
			return bytecode.Instruction{}, &aplerr.LowerError{Reason: "verify_zip requires a \"path\" target or arg"}
		}
		return bytecode.Instruction{Op: bytecode.OpVerifyZip, In: []bytecode.IOSlot{in}}, nil

	case "verify_cli_predicts":
		if lastBuildCLIOut == "" {
			return bytecode.Instruction{}, &aplerr.LowerError{Reason: "verify_cli_predicts requires a prior BUILD_CLI step in the program"}
		}
		sample, ok := vs.Args["sample"]
		if !ok {
			return bytecode.Instruction{}, &aplerr.LowerError{Reason: "verify_cli_predicts requires a \"sample\" arg"}
		}
		return bytecode.Instruction{
			Op: bytecode.OpVerifyCLI,
			In: []bytecode.IOSlot{
				{Port: "app_dir", Slot: lastBuildCLIOut},
				{Port: "sample", Literal: sample},
			},
		}, nil

	default:
		var in []bytecode.IOSlot
		if symtab.IsRef(vs.Target) {
			in = []bytecode.IOSlot{{Port: "in", Slot: st.Slot(vs.Target)}}
		} else if vs.Target != "" {
			in = []bytecode.IOSlot{{Port: "in", Literal: vs.Target}}
		}
		return bytecode.Instruction{Op: bytecode.OpCallTool, Tool: vs.Op, In: in, Args: vs.Args}, nil
	}
}

func numericArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// resolveRef resolves a step's "out" field to a list of named ports:
// the map form names each port explicitly, while the bare
// single-string form binds to defaultPort, the VM's convention for a
// tool with exactly one output port. Outputs are always freshly
// written slots; inputs is never consulted here.
func resolveRef(st *symtab.Table, r plan.Ref, defaultPort string) []bytecode.IOSlot {
	if r.IsMap {
		names := make([]string, 0, len(r.Map))
		for k := range r.Map {
			names = append(names, k)
		}
		sort.Strings(names)
		out := make([]bytecode.IOSlot, 0, len(names))
		for _, k := range names {
			out = append(out, resolveOne(st, k, r.Map[k]))
		}
		return out
	}
	if r.Single == "" {
		return nil
	}
	return []bytecode.IOSlot{resolveOne(st, defaultPort, r.Single)}
}

func resolveOne(st *symtab.Table, port, ref string) bytecode.IOSlot {
	if symtab.IsRef(ref) {
		return bytecode.IOSlot{Port: port, Slot: st.Slot(ref)}
	}
	return bytecode.IOSlot{Port: port, Literal: ref}
}

// resolveInRef is resolveRef's "in"-side counterpart: identical map
// vs. single-string shape handling, but each "$name" reference is
// checked against the plan's inputs map before falling back to a
// slot, per §4.2 step 1 ("$name inside inputs resolves to the inputs
// map entry, not a slot").
func resolveInRef(st *symtab.Table, r plan.Ref, defaultPort string, inputs map[string]string) []bytecode.IOSlot {
	if r.IsMap {
		names := make([]string, 0, len(r.Map))
		for k := range r.Map {
			names = append(names, k)
		}
		sort.Strings(names)
		out := make([]bytecode.IOSlot, 0, len(names))
		for _, k := range names {
			out = append(out, resolveOneIn(st, k, r.Map[k], inputs))
		}
		return out
	}
	if r.Single == "" {
		return nil
	}
	return []bytecode.IOSlot{resolveOneIn(st, defaultPort, r.Single, inputs)}
}

func resolveOneIn(st *symtab.Table, port, ref string, inputs map[string]string) bytecode.IOSlot {
	if symtab.IsRef(ref) {
		if lit, ok := inputs[symtab.Root(ref)]; ok {
			return bytecode.IOSlot{Port: port, Literal: lit}
		}
		return bytecode.IOSlot{Port: port, Slot: st.Slot(ref)}
	}
	return bytecode.IOSlot{Port: port, Literal: ref}
}
