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

// Package pack implements `aplvm pack`: assemble the plan, the lowered
// bytecode envelope, and a completed run's checksum manifest into the
// self-contained replay archive.
package pack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/aplvm/internal/commands/shared"
	"github.com/tombee/aplvm/pkg/bytecode"
	"github.com/tombee/aplvm/pkg/pack"
)

// NewCommand creates the pack command.
func NewCommand() *cobra.Command {
	var (
		outPath     string
		sandboxRoot string
		name        string
		version     string
	)

	cmd := &cobra.Command{
		Use:   "pack <plan_path> <bytecode_path>",
		Short: "Package a plan, its bytecode, and a completed run's checksums into a replay archive",
		Long: `Pack builds the self-contained archive "aplvm replay" consumes: the
plan document, the lowered bytecode envelope, a capabilities-only
policy view, and the checksum manifest of the most recent "aplvm run"
against this sandbox.

Run "aplvm run" (not --dry-run) against bytecode_path before packing,
so a checksum manifest exists to embed.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outPath
			if out == "" {
				out = defaultOutPath(args[0])
			}
			return runPack(args[0], args[1], out, sandboxRoot, name, version)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output path for the archive (default: <plan>.aplpkg)")
	cmd.Flags().StringVar(&sandboxRoot, "sandbox", "", "Sandbox root holding the run's checksum manifest (default: config's sandbox_root)")
	cmd.Flags().StringVar(&name, "name", "", "Archive name recorded in manifest.json (default: plan file's base name)")
	cmd.Flags().StringVar(&version, "version", "0.0.0", "Archive version recorded in manifest.json")

	return cmd
}

func defaultOutPath(planPath string) string {
	base := planPath
	if ext := filepath.Ext(planPath); ext != "" {
		base = planPath[:len(planPath)-len(ext)]
	}
	return base + ".aplpkg"
}

// manifest mirrors the small on-disk shape internal/commands/run
// writes to out/checksums.json after a non-dry-run completes.
type manifest struct {
	RunID     string            `json:"run_id"`
	Checksums map[string]string `json:"checksums"`
}

func runPack(planPath, bytecodePath, outPath, sandboxRoot, name, version string) error {
	cfg, err := shared.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "load config", err)
	}
	if sandboxRoot != "" {
		cfg.SandboxRoot = sandboxRoot
	}

	planJSON, err := os.ReadFile(planPath)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "read plan file", err)
	}

	bcData, err := os.ReadFile(bytecodePath)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "read bytecode file", err)
	}
	var env bytecode.Envelope
	if err := json.Unmarshal(bcData, &env); err != nil {
		return shared.NewExitError(shared.ExitInvalidPlan, "parse bytecode envelope", err)
	}

	layout, err := shared.EnsureSandbox(cfg.SandboxRoot)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "prepare sandbox", err)
	}

	manifestPath := filepath.Join(layout.OutDir, "checksums.json")
	manifestData, err := os.ReadFile(manifestPath)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed,
			"read checksum manifest (run \"aplvm run\" against this bytecode first)", err)
	}
	var m manifest
	if err := json.Unmarshal(manifestData, &m); err != nil {
		return shared.NewExitError(shared.ExitFailed, "parse checksum manifest", err)
	}

	if name == "" {
		base := filepath.Base(planPath)
		name = base[:len(base)-len(filepath.Ext(base))]
	}

	inputs := make(map[string]string)
	if raw, ok := env.Metadata["inputs"]; ok {
		if m, ok := raw.(map[string]any); ok {
			for name, path := range m {
				if s, ok := path.(string); ok {
					inputs[name] = s
				}
			}
		}
	}

	opts := pack.Options{
		Name:      name,
		Version:   version,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		PlanJSON:  planJSON,
		Envelope:  &env,
		RunID:     m.RunID,
		Checksums: m.Checksums,
		Inputs:    inputs,
	}
	if err := pack.Package(opts, outPath); err != nil {
		return shared.NewExitError(shared.ExitFailed, "package archive", err)
	}

	fmt.Printf("pack %s + %s -> %s (run_id=%s)\n", planPath, bytecodePath, outPath, m.RunID)
	return nil
}
