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

// Package validate implements `aplvm validate`: check a plan document
// against a schema file without compiling it, for use in editor
// tooling and CI.
package validate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/aplvm/internal/commands/shared"
	"github.com/tombee/aplvm/pkg/schema"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema_path> <plan_path>",
		Short: "Validate a plan document against a JSON schema file",
		Long: `Validate checks plan_path against the JSON schema at schema_path
(as produced by "aplvm compile --schema-out", or hand-written) without
lowering it to bytecode.

Exit code 0 means the plan is valid, 1 means it violates the schema,
and 2 means the command itself could not run (missing file, malformed
JSON).`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(args[0], args[1])
		},
	}
	return cmd
}

func runValidate(schemaPath, planPath string) error {
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		return shared.NewExitError(shared.ExitUsage, "read schema file", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(schemaData, &doc); err != nil {
		return shared.NewExitError(shared.ExitUsage, "parse schema file", err)
	}
	compiled, err := schema.Compile(doc)
	if err != nil {
		return shared.NewExitError(shared.ExitUsage, "compile schema", err)
	}

	planData, err := os.ReadFile(planPath)
	if err != nil {
		return shared.NewExitError(shared.ExitUsage, "read plan file", err)
	}

	if err := schema.Validate(compiled, planData); err != nil {
		if !shared.GetQuiet() {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		}
		return shared.NewExitError(shared.ExitInvalidPlan, "validate plan", err)
	}

	if !shared.GetQuiet() {
		fmt.Printf("%s: valid\n", planPath)
	}
	return nil
}
