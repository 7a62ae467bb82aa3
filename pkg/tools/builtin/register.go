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

package builtin

import "github.com/tombee/aplvm/pkg/registry"

// Register wires every reference tool implementation in this package
// into reg under the name pkg/vm/dispatch.go's typedToolNames table
// expects, so a legacy typed opcode and an equivalent CALL_TOOL step
// resolve to the identical Spec. Manifests for these same names may
// also be discovered by registry.LoadManifests from a tools directory
// (for description/version/capability metadata used by schema
// generation and `aplvm compile --tools`); Register always wins for Impl
// since LoadManifests never overwrites a Go-backed entry.
func Register(reg *registry.Registry) {
	for _, s := range specs() {
		reg.Register(s)
	}
}

func specs() []registry.Spec {
	return []registry.Spec{
		{
			Name:           "read_csv",
			Version:        "1.0.0",
			Description:    "Parse a CSV file into a table value.",
			Category:       "data",
			Implementation: "builtin:read_csv",
			Capabilities:   []string{"fs.read"},
			Inputs:         map[string]registry.Port{"path": {Type: "string", Required: true}},
			Outputs:        map[string]registry.Port{"table": {Type: "table"}},
			Impl:           LoadCSV,
		},
		{
			Name:           "profile",
			Version:        "1.0.0",
			Description:    "Infer per-column dtype and missing-value fraction for a table.",
			Category:       "data",
			Implementation: "builtin:profile",
			Inputs:         map[string]registry.Port{"table": {Type: "table", Required: true}},
			Outputs:        map[string]registry.Port{"schema": {Type: "schema"}},
			Impl:           ProfileSchema,
		},
		{
			Name:           "split_deterministic",
			Version:        "1.0.0",
			Description:    "Partition a table into train/val sets by a hash of (row_index, seed).",
			Category:       "data",
			Implementation: "builtin:split_deterministic",
			Inputs:         map[string]registry.Port{"table": {Type: "table", Required: true}},
			Outputs: map[string]registry.Port{
				"train": {Type: "table"},
				"val":   {Type: "table"},
			},
			Impl: SplitDeterministic,
		},
		{
			Name:           "train_lr",
			Version:        "1.0.0",
			Description:    "Fit an ordinary least-squares linear model.",
			Category:       "ml",
			Implementation: "builtin:train_lr",
			Inputs:         map[string]registry.Port{"train_data": {Type: "table", Required: true}},
			Outputs:        map[string]registry.Port{"model": {Type: "model"}},
			Impl:           TrainLinear,
		},
		{
			Name:           "eval",
			Version:        "1.0.0",
			Description:    "Score a trained model against a validation table (MSE, MAE, R2).",
			Category:       "ml",
			Implementation: "builtin:eval",
			Inputs: map[string]registry.Port{
				"model":    {Type: "model", Required: true},
				"val_data": {Type: "table", Required: true},
			},
			Outputs: map[string]registry.Port{"metrics": {Type: "metrics"}},
			Impl:    EvalMetrics,
		},
		{
			Name:           "emit_report",
			Version:        "1.0.0",
			Description:    "Render a markdown summary of a schema and a metrics value.",
			Category:       "report",
			Implementation: "builtin:emit_report",
			Capabilities:   []string{"fs.write"},
			Inputs: map[string]registry.Port{
				"schema":      {Type: "schema"},
				"metrics":     {Type: "metrics"},
				"output_path": {Type: "string", Required: true},
			},
			Outputs: map[string]registry.Port{"output_path": {Type: "string"}},
			Impl:    EmitReport,
		},
		{
			Name:           "build_cli",
			Version:        "1.0.0",
			Description:    "Write a self-contained predict.py for a trained model.",
			Category:       "report",
			Implementation: "builtin:build_cli",
			Capabilities:   []string{"fs.write"},
			Inputs: map[string]registry.Port{
				"model":      {Type: "model", Required: true},
				"output_dir": {Type: "string", Required: true},
			},
			Outputs: map[string]registry.Port{"output_dir": {Type: "string"}},
			Impl:    BuildCLI,
		},
		{
			Name:           "zip_dir",
			Version:        "1.0.0",
			Description:    "Archive a directory into a deterministic, sorted-entry ZIP.",
			Category:       "package",
			Implementation: "builtin:zip_dir",
			Capabilities:   []string{"fs.read", "fs.write"},
			Inputs: map[string]registry.Port{
				"source_dir":  {Type: "string", Required: true},
				"output_path": {Type: "string", Required: true},
			},
			Outputs: map[string]registry.Port{"output_path": {Type: "string"}},
			Impl:    ZipDir,
		},
		{
			Name:           "verify_zip",
			Version:        "1.0.0",
			Description:    "Confirm a path is a well-formed, non-empty ZIP archive.",
			Category:       "verify",
			Implementation: "builtin:verify_zip",
			Capabilities:   []string{"fs.read"},
			Inputs:         map[string]registry.Port{"path": {Type: "string", Required: true}},
			Impl:           VerifyZip,
		},
		{
			Name:           "verify_cli",
			Version:        "1.0.0",
			Description:    "Run a built predict.py against a sample and confirm it exits cleanly.",
			Category:       "verify",
			Implementation: "builtin:verify_cli",
			Capabilities:   []string{"fs.write", "proc.spawn"},
			Inputs: map[string]registry.Port{
				"app_dir": {Type: "string", Required: true},
				"sample":  {Type: "object", Required: true},
			},
			Impl: VerifyCLI,
		},
	}
}
