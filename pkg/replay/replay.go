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

// Package replay re-executes a packaged run against the same
// bytecode and a preloaded model cache, then diffs the result against
// the archive's checksum manifest (§4.7 REPLAYENGINE). A cache miss
// during replay is a hard error (the archive was never complete); a
// checksum diff is not — it is surfaced on Result so the caller
// decides how to report it.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/aplvm/pkg/aplerr"
	"github.com/tombee/aplvm/pkg/modelcache"
	"github.com/tombee/aplvm/pkg/pack"
	"github.com/tombee/aplvm/pkg/policy"
	"github.com/tombee/aplvm/pkg/registry"
	"github.com/tombee/aplvm/pkg/sandbox"
	"github.com/tombee/aplvm/pkg/txlog"
	"github.com/tombee/aplvm/pkg/vm"
)

// Options configures one Replay invocation.
type Options struct {
	// ArchivePath is the package archive produced by pack.Package.
	ArchivePath string

	// SandboxRoot is the output directory the VM runs against. Unlike
	// the original run's sandbox, this one only needs to exist; it is
	// created if missing.
	SandboxRoot string

	// ScratchDir holds the replay's own tx log; created if missing.
	ScratchDir string

	// SideLogPath is the original run's recorded (model, inputs,
	// outputs) call log, written by modelcache.Gate.WriteSideLog. A
	// replay preloads every entry into a fresh Cache before running,
	// so the Gate serves recorded outputs instead of reaching a live
	// backend.
	SideLogPath string

	// PurgeOutput, when true, removes every file under SandboxRoot
	// before running, so a replay starts from a clean tree the same
	// way the original run did.
	PurgeOutput bool

	Registry    *registry.Registry
	PolicyStore *policy.Store
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Result is the outcome of a replay: the run_id the VM assigned this
// replay execution and any checksum diffs found against the packaged
// manifest.
type Result struct {
	RunID string
	Diffs []aplerr.Diff
}

// Replay extracts the archive at opts.ArchivePath, preloads a model
// cache from opts.SideLogPath in modelcache.Replay mode, runs the
// packaged bytecode against opts.SandboxRoot with every capability
// auto-granted (a replay never prompts: the archive's capability list
// already reflects what the original run was permitted), and diffs
// the resulting checksums against the archive's checksums.json.
//
// A model-cache miss during the run surfaces as a returned error (the
// archive cannot be replayed deterministically). A non-empty
// Result.Diffs is not an error: it means the replay produced
// different file content, which the caller reports per the
// checksum-mismatch exit path.
func Replay(ctx context.Context, opts Options) (*Result, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("replay: Registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ex, err := pack.Extract(opts.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("replay: extract archive: %w", err)
	}

	if err := os.MkdirAll(opts.SandboxRoot, 0o755); err != nil {
		return nil, fmt.Errorf("replay: create sandbox root: %w", err)
	}
	if opts.PurgeOutput {
		if err := purgeDir(opts.SandboxRoot); err != nil {
			return nil, fmt.Errorf("replay: purge output dir: %w", err)
		}
	}
	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("replay: create scratch dir: %w", err)
	}

	cache, err := preloadCache(filepath.Join(opts.ScratchDir, "model-cache"), opts.SideLogPath)
	if err != nil {
		return nil, fmt.Errorf("replay: preload model cache: %w", err)
	}
	gate := modelcache.NewGate(cache, modelcache.Replay)

	guard, err := sandbox.NewGuard(opts.SandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("replay: build sandbox guard: %w", err)
	}
	logger, err := txlog.Open(filepath.Join(opts.ScratchDir, "replay-tx.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("replay: open tx log: %w", err)
	}

	cfg := vm.Config{
		Registry:    opts.Registry,
		Guard:       guard,
		PolicyStore: opts.PolicyStore,
		TxLog:       logger,
		ModelCache:  gate,
		Tracer:      opts.Tracer,
		Logger:      opts.Logger,
		AutoGrant:   true,
	}
	machine, err := vm.New(cfg, ex.Envelope)
	if err != nil {
		return nil, fmt.Errorf("replay: build vm: %w", err)
	}

	inputs := make(map[string]any, len(ex.Manifest.Inputs))
	for k, v := range ex.Manifest.Inputs {
		inputs[k] = v
	}

	res, err := machine.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("replay: run: %w", err)
	}

	diffs := diffChecksums(ex.Checksums.Checksums, res.Checksums)
	return &Result{RunID: res.RunID, Diffs: diffs}, nil
}

// diffChecksums compares expected (from the archive) against observed
// (recomputed by the replayed run). Extra files present in observed
// but absent from expected are ignored: the archive only asserts what
// it originally produced, per §4.7.
func diffChecksums(expected, observed map[string]string) []aplerr.Diff {
	var diffs []aplerr.Diff
	for path, wantSum := range expected {
		gotSum, ok := observed[path]
		if !ok {
			diffs = append(diffs, aplerr.Diff{Path: path, Kind: "missing-now", Expected: wantSum})
			continue
		}
		if gotSum != wantSum {
			diffs = append(diffs, aplerr.Diff{Path: path, Kind: "hash-mismatch", Expected: wantSum, Observed: gotSum})
		}
	}
	return diffs
}

// preloadCache builds a fresh model cache at dir and seeds it with
// every (model, inputs, outputs) triple recorded in the side log at
// sideLogPath, so a Gate in Replay mode can serve each call without
// reaching a live backend. An empty sideLogPath is valid for programs
// that made no model calls.
func preloadCache(dir, sideLogPath string) (*modelcache.Cache, error) {
	cache, err := modelcache.Open(dir)
	if err != nil {
		return nil, err
	}
	if sideLogPath == "" {
		return cache, nil
	}
	data, err := os.ReadFile(sideLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cache, nil
		}
		return nil, fmt.Errorf("read side log: %w", err)
	}
	var calls []struct {
		Model   string         `json:"model"`
		Inputs  map[string]any `json:"inputs"`
		Outputs map[string]any `json:"outputs"`
	}
	if err := json.Unmarshal(data, &calls); err != nil {
		return nil, fmt.Errorf("parse side log: %w", err)
	}
	for _, c := range calls {
		key, err := modelcache.Key(c.Model, c.Inputs)
		if err != nil {
			return nil, fmt.Errorf("compute cache key for %s: %w", c.Model, err)
		}
		entry := &modelcache.Entry{
			CacheKey: key,
			Model:    c.Model,
			Inputs:   c.Inputs,
			Outputs:  c.Outputs,
		}
		if err := cache.Put(entry); err != nil {
			return nil, fmt.Errorf("seed cache entry for %s: %w", c.Model, err)
		}
	}
	return cache, nil
}

// purgeDir removes every entry directly under dir without removing
// dir itself.
func purgeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
