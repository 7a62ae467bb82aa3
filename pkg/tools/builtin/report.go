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

import (
	"context"
	"fmt"
	"os"

	"github.com/tombee/aplvm/pkg/toolctx"
	"github.com/tombee/aplvm/pkg/value"
)

// EmitReport renders a short markdown summary of in["schema"] and
// in["metrics"] to in/arg "output_path".
func EmitReport(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	schema, _ := in["schema"].(*value.Schema)
	metrics, _ := in["metrics"].(value.Metrics)
	path, ok := stringField(in, args, "output_path")
	if !ok {
		return nil, fmt.Errorf("emit_report: missing \"output_path\"")
	}
	h := toolctx.From(ctx)
	if h == nil {
		return nil, fmt.Errorf("emit_report: no sandbox context")
	}

	rows := "N/A"
	if schema != nil {
		rows = fmt.Sprintf("%d", schema.Rows)
	}
	report := fmt.Sprintf("# ML Report\n\n## Schema\nRows: %s\n\n## Metrics\n- **MSE**: %v\n- **MAE**: %v\n- **R2**: %v\n",
		rows, metricOr(metrics, "MSE"), metricOr(metrics, "MAE"), metricOr(metrics, "R2"))

	resolved, _, err := h.WriteFile(path, []byte(report), 0o644)
	if err != nil {
		return nil, fmt.Errorf("emit_report: %w", err)
	}
	return map[string]any{"output_path": resolved}, nil
}

func metricOr(m value.Metrics, key string) any {
	if m == nil {
		return "N/A"
	}
	if v, ok := m[key]; ok {
		return v
	}
	return "N/A"
}

// BuildCLI writes a self-contained predict.py under in/arg
// "output_dir" that loads the trained model's coefficients and
// predicts from a JSON sample passed with --input, the same contract
// verify_cli_predicts exercises via a subprocess.
func BuildCLI(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	m, ok := in["model"].(*value.Model)
	if !ok {
		return nil, fmt.Errorf("build_cli: missing or malformed \"model\" input")
	}
	outputDir, ok := stringField(in, args, "output_dir")
	if !ok {
		return nil, fmt.Errorf("build_cli: missing \"output_dir\"")
	}
	h := toolctx.From(ctx)
	if h == nil {
		return nil, fmt.Errorf("build_cli: no sandbox context")
	}

	resolvedDir, err := h.Mkdir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("build_cli: %w", err)
	}

	script := renderPredictScript(m)
	scriptPath := resolvedDir + string(os.PathSeparator) + "predict.py"
	if !h.DryRun {
		if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
			return nil, fmt.Errorf("build_cli: write predict.py: %w", err)
		}
	}
	if err := h.Quotas.ChargeIOBytes(int64(len(script))); err != nil {
		return nil, err
	}
	if err := h.Quotas.ChargeFileWritten(); err != nil {
		return nil, err
	}

	return map[string]any{"output_dir": resolvedDir}, nil
}

func renderPredictScript(m *value.Model) string {
	features := "["
	for i, f := range m.Features {
		if i > 0 {
			features += ", "
		}
		features += fmt.Sprintf("%q", f)
	}
	features += "]"

	coef := "["
	for i, c := range m.Coef {
		if i > 0 {
			coef += ", "
		}
		coef += fmt.Sprintf("%v", c)
	}
	coef += "]"

	return fmt.Sprintf(`#!/usr/bin/env python3
import json
import argparse

FEATURES = %s
COEF = %s
INTERCEPT = %v

def predict(sample):
    result = INTERCEPT
    for name, c in zip(FEATURES, COEF):
        result += c * sample.get(name, 0)
    return result

if __name__ == "__main__":
    parser = argparse.ArgumentParser()
    parser.add_argument("--input", required=True)
    args = parser.parse_args()
    with open(args.input) as f:
        sample = json.load(f)
    print(predict(sample))
`, features, coef, m.Intercept)
}
