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
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tombee/aplvm/pkg/toolctx"
)

// VerifyZip confirms in/arg "path" is a well-formed, non-empty ZIP
// archive, reading it through the sandbox guard like any other input.
func VerifyZip(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	path, ok := stringField(in, args, "path")
	if !ok {
		return nil, fmt.Errorf("verify_zip: missing \"path\"")
	}
	h := toolctx.From(ctx)
	if h == nil {
		return nil, fmt.Errorf("verify_zip: no sandbox context")
	}
	data, err := h.ReadFile(path)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("verify_zip: %s is not a valid archive: %w", path, err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("verify_zip: %s contains no entries", path)
	}
	return map[string]any{}, nil
}

// verifyCLITimeout bounds the predict.py subprocess verify_cli_predicts
// spawns (§5 CONCURRENCY's ten-second ceiling on subprocess steps).
const verifyCLITimeout = 10 * time.Second

// VerifyCLI runs the predict.py script under in/arg "app_dir" against
// in/arg "sample", confirming the process exits cleanly within
// verifyCLITimeout. Requires the "proc.spawn" capability.
func VerifyCLI(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	appDir, ok := stringField(in, args, "app_dir")
	if !ok {
		return nil, fmt.Errorf("verify_cli: missing \"app_dir\"")
	}
	sample, ok := in["sample"]
	if !ok {
		sample, ok = args["sample"]
	}
	if !ok {
		return nil, fmt.Errorf("verify_cli: missing \"sample\"")
	}
	h := toolctx.From(ctx)
	if h == nil {
		return nil, fmt.Errorf("verify_cli: no sandbox context")
	}

	sampleJSON, err := json.Marshal(sample)
	if err != nil {
		return nil, fmt.Errorf("verify_cli: encode sample: %w", err)
	}
	resolvedInput, _, err := h.WriteFile(filepath.Join(appDir, ".verify_input.json"), sampleJSON, 0o644)
	if err != nil {
		return nil, fmt.Errorf("verify_cli: %w", err)
	}

	resolvedDir, err := h.Guard.Resolve(appDir)
	if err != nil {
		return nil, err
	}

	if h.DryRun {
		return map[string]any{}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, verifyCLITimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "python3", filepath.Join(resolvedDir, "predict.py"), "--input", resolvedInput)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("verify_cli: predict.py failed: %w (%s)", err, stderr.String())
	}
	if err := h.Quotas.ChargeCPUMillis(10); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}
