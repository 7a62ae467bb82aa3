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

// Package undo implements `aplvm undo`: revert the most recently
// logged run against a sandbox.
package undo

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/aplvm/internal/commands/shared"
	"github.com/tombee/aplvm/pkg/undo"
)

// NewCommand creates the undo command.
func NewCommand() *cobra.Command {
	var sandboxRoot string

	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Revert the most recently logged run against a sandbox",
		Long: `Undo reads the tx log under the sandbox root, finds the most
recent run's bracketed RUN_START/RUN_END span, and removes every path
that run's effects reported as newly created, in reverse creation
order.

Undo is best-effort: it is not guaranteed to restore pre-run state if
another process modified the sandbox during or after the run. Exit
code 0 on success, 1 on failure.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUndo(sandboxRoot)
		},
	}

	cmd.Flags().StringVar(&sandboxRoot, "sandbox", "", "Sandbox root holding the tx log (default: config's sandbox_root)")

	return cmd
}

func runUndo(sandboxRoot string) error {
	cfg, err := shared.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "load config", err)
	}
	if sandboxRoot != "" {
		cfg.SandboxRoot = sandboxRoot
	}

	layout, err := shared.EnsureSandbox(cfg.SandboxRoot)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "prepare sandbox", err)
	}

	result, err := undo.Undo(layout.TxLogPath)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "undo", err)
	}

	if result.RunID == "" {
		fmt.Println("undo: no run found in tx log")
		return nil
	}

	fmt.Printf("undo run_id=%s: removed %d path(s), skipped %d\n",
		result.RunID, len(result.Removed), len(result.Skipped))
	if !shared.GetQuiet() {
		for _, p := range result.Removed {
			fmt.Printf("  removed %s\n", p)
		}
		for _, p := range result.Skipped {
			fmt.Printf("  skipped %s\n", p)
		}
	}
	return nil
}
