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

// Package cli assembles aplvm's root Cobra command. Individual
// subcommands live under internal/commands; this package only wires
// global flags and version/exit-code plumbing, the same split the
// teacher keeps between internal/cli and internal/commands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/aplvm/internal/commands/compile"
	"github.com/tombee/aplvm/internal/commands/pack"
	"github.com/tombee/aplvm/internal/commands/replay"
	"github.com/tombee/aplvm/internal/commands/run"
	"github.com/tombee/aplvm/internal/commands/shared"
	"github.com/tombee/aplvm/internal/commands/undo"
	"github.com/tombee/aplvm/internal/commands/validate"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for aplvm.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aplvm",
		Short: "Compile declarative plans to bytecode and run them in a capability-sandboxed VM",
		Long: `aplvm compiles a declarative plan (a directed graph of typed tool
invocations) into a flat bytecode program, then executes it inside a
capability-sandboxed virtual machine with transactional logging,
content-addressed model caching, and deterministic packaging, replay,
and undo.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose (debug-level) logging")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output machine-readable JSON where applicable")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/aplvm/config.yaml)")

	cmd.AddCommand(
		compile.NewCommand(),
		validate.NewCommand(),
		pack.NewCommand(),
		run.NewCommand(),
		replay.NewCommand(),
		undo.NewCommand(),
	)

	return cmd
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
