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

// Package replay implements `aplvm replay`: re-execute a packaged
// archive against a sandbox and verify its output checksums against
// the archive's manifest.
package replay

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/aplvm/internal/commands/shared"
	"github.com/tombee/aplvm/pkg/policy"
	"github.com/tombee/aplvm/pkg/replay"
)

// NewCommand creates the replay command.
func NewCommand() *cobra.Command {
	var (
		sandboxRoot string
		purge       bool
	)

	cmd := &cobra.Command{
		Use:   "replay <package_path>",
		Short: "Re-execute a packaged archive and verify its checksums",
		Long: `Replay extracts package_path, re-runs its bytecode with every
capability auto-granted and the model cache preloaded from the
archive's recorded side log, then compares recomputed output
checksums against the archive's manifest.

Exit code 0 means the run reproduced byte-identical output; 2 means
the checksums diverged (diffs are printed); any other failure
(including a model-cache miss, per ReplayGate) exits 1.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args[0], sandboxRoot, purge)
		},
	}

	cmd.Flags().StringVar(&sandboxRoot, "sandbox", "", "Sandbox root to replay against (default: config's sandbox_root)")
	cmd.Flags().BoolVar(&purge, "purge", false, "Remove existing files under the sandbox output directory before replaying")

	return cmd
}

func runReplay(archivePath, sandboxRoot string, purge bool) error {
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

	reg, err := shared.BuildRegistry(cfg)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "build tool registry", err)
	}

	layout, err := shared.EnsureSandbox(cfg.SandboxRoot)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "prepare sandbox", err)
	}

	store, err := policy.Load(layout.PolicyPath)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "load policy store", err)
	}

	opts := replay.Options{
		ArchivePath: archivePath,
		SandboxRoot: layout.OutDir,
		ScratchDir:  filepath.Join(layout.TmpDir, "replay"),
		SideLogPath: layout.SideLog,
		PurgeOutput: purge,
		Registry:    reg,
		PolicyStore: store,
		Logger:      logger,
		Tracer:      tracer,
	}

	result, err := replay.Replay(ctx, opts)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "replay", err)
	}

	if len(result.Diffs) == 0 {
		fmt.Printf("replay %s: ok (run_id=%s), no diffs\n", archivePath, result.RunID)
		return nil
	}

	fmt.Printf("replay %s: %d checksum diff(s)\n", archivePath, len(result.Diffs))
	for _, d := range result.Diffs {
		fmt.Printf("  %s: %s (expected=%s observed=%s)\n", d.Path, d.Kind, d.Expected, d.Observed)
	}
	return shared.NewExitError(shared.ExitChecksumDiff, "replay produced checksum diffs", nil)
}
