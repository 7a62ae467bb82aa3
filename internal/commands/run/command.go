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

// Package run implements `aplvm run`: load a bytecode envelope,
// assemble its VM collaborators, and execute it against a sandbox.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/aplvm/internal/commands/shared"
	"github.com/tombee/aplvm/internal/metrics"
	"github.com/tombee/aplvm/pkg/bytecode"
	"github.com/tombee/aplvm/pkg/sandbox"
	"github.com/tombee/aplvm/pkg/vm"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var (
		dryRun      bool
		yes         bool
		sandboxRoot string
		inputs      []string
		inputFile   string
	)

	cmd := &cobra.Command{
		Use:   "run <bytecode_path>",
		Short: "Execute a compiled bytecode program inside the sandboxed VM",
		Long: `Run loads a bytecode envelope (as produced by "aplvm compile" or
"aplvm pack") and executes it inside the capability-sandboxed VM.

A compiled envelope is self-contained: every plan input resolved at
compile time to a literal embedded directly in the bytecode, so a
plain "aplvm run bytecode_path" needs nothing else to reproduce the
run. --input/--input-file exist only to seed or override a slot's
value ahead of the first instruction that writes it — useful when
iterating on a tool implementation without recompiling — and are
unused by a program that, like every envelope this compiler emits,
carries its inputs as literals.

--dry-run executes every instruction and writes the full transaction
log, but performs no filesystem effect and produces no checksum
manifest.

--yes auto-grants every capability a tool requires, including ones
the running program does not declare; capabilities the program
declares are granted with or without it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBytecode(args[0], dryRun, yes, sandboxRoot, inputs, inputFile)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Execute without performing filesystem effects")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Auto-grant every declared capability without prompting")
	cmd.Flags().StringVar(&sandboxRoot, "sandbox", "", "Sandbox root (default: config's sandbox_root)")
	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "Override a slot's value before run, in name=value form (repeatable); normal plan inputs need this only for debugging")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file of {slot_name: value} slot overrides, applied before --input")

	return cmd
}

func runBytecode(bytecodePath string, dryRun, yes bool, sandboxRoot string, rawInputs []string, inputFile string) error {
	cfg, err := shared.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "load config", err)
	}
	if sandboxRoot != "" {
		cfg.SandboxRoot = sandboxRoot
	}

	logger := shared.NewLogger(cfg)
	ctx := context.Background()
	tracer, shutdown, err := shared.SetupTracing(ctx, cfg)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "setup tracing", err)
	}
	defer shutdown(ctx)

	data, err := os.ReadFile(bytecodePath)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "read bytecode file", err)
	}
	var env bytecode.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return shared.NewExitError(shared.ExitInvalidPlan, "parse bytecode envelope", err)
	}

	reg, err := shared.BuildRegistry(cfg)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "build tool registry", err)
	}

	layout, err := shared.EnsureSandbox(cfg.SandboxRoot)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "prepare sandbox", err)
	}

	deps, err := shared.BuildVMDeps(layout, cfg)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "build vm dependencies", err)
	}
	defer deps.Close()

	inputs, err := parseInputs(rawInputs, inputFile)
	if err != nil {
		return shared.NewExitError(shared.ExitUsage, "parse inputs", err)
	}

	vmCfg := vm.Config{
		Registry:    reg,
		Guard:       deps.Guard,
		PolicyStore: deps.PolicyStore,
		TxLog:       deps.TxLog,
		ModelCache:  deps.ModelCache,
		Tracer:      tracer,
		Logger:      logger,
		DryRun:      dryRun,
		AutoGrant:   yes,
	}
	if !yes && !shared.GetQuiet() && !shared.GetJSON() {
		vmCfg.Prompter = shared.NewSurveyPrompter()
	}

	machine, err := vm.New(vmCfg, &env)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "build vm", err)
	}

	start := time.Now()
	result, runErr := machine.Run(ctx, inputs)
	elapsed := time.Since(start).Seconds()
	if runErr != nil {
		metrics.RecordRun(elapsed, "failed", sandbox.Limits{})
		return shared.NewExitError(shared.ExitFailed, "run", runErr)
	}
	metrics.RecordRun(elapsed, "ok", result.Usage)

	if !dryRun {
		if err := deps.ModelCache.WriteSideLog(layout.SideLog); err != nil {
			logger.Warn("failed to write model-call side log", "error", err)
		}
		if err := writeChecksumManifest(layout.OutDir, result.RunID, result.Checksums); err != nil {
			logger.Warn("failed to write checksum manifest", "error", err)
		}
	}

	fmt.Printf("run %s: ok (run_id=%s)\n", bytecodePath, result.RunID)
	if !dryRun {
		fmt.Printf("  %d file(s) checksummed\n", len(result.Checksums))
	}
	return nil
}

// checksumManifest is the on-disk shape pack reads back when packaging
// a run that already completed, mirroring pkg/pack.Checksums without
// importing pkg/pack for a single small struct.
type checksumManifest struct {
	RunID     string            `json:"run_id"`
	Checksums map[string]string `json:"checksums"`
}

// writeChecksumManifest persists the run's checksum manifest under
// outDir as checksums.json, so a later "aplvm pack" invocation for
// this same sandbox can build its archive without re-running the VM.
func writeChecksumManifest(outDir, runID string, checksums map[string]string) error {
	data, err := json.MarshalIndent(checksumManifest{RunID: runID, Checksums: checksums}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checksum manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(outDir, "checksums.json"), data, 0o644)
}

// parseInputs merges --input key=value pairs over any --input-file
// JSON document, the same "flags win over file" precedence the
// teacher's run command applies to its own --input/--input-file pair.
// The result seeds VM.Run's slot overrides; a compiled envelope's own
// inputs are already literals in its program and never consult this
// map.
func parseInputs(raw []string, inputFile string) (map[string]any, error) {
	inputs := make(map[string]any)
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parse input file: %w", err)
		}
	}
	for _, kv := range raw {
		name, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("--input %q is not in name=value form", kv)
		}
		inputs[name] = coerce(val)
	}
	return inputs, nil
}

// coerce parses val as a JSON scalar (bool or number) when it
// looks like one, otherwise leaves it as a plain string, so a plan
// author can pass `--input '$ratio=0.8'` without quoting JSON.
func coerce(val string) any {
	if val == "true" || val == "false" {
		b, _ := strconv.ParseBool(val)
		return b
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return val
}
