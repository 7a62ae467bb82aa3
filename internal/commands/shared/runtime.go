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

// Package shared holds the pieces every aplvm subcommand needs: global
// flag state, exit-code plumbing, and the helpers that assemble a
// sandbox root, tool registry, and VM collaborators from on-disk
// configuration.
package shared

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/aplvm/internal/config"
	aplog "github.com/tombee/aplvm/internal/log"
	"github.com/tombee/aplvm/internal/tracing"
	"github.com/tombee/aplvm/pkg/modelcache"
	"github.com/tombee/aplvm/pkg/policy"
	"github.com/tombee/aplvm/pkg/registry"
	"github.com/tombee/aplvm/pkg/sandbox"
	"github.com/tombee/aplvm/pkg/tools/builtin"
	"github.com/tombee/aplvm/pkg/txlog"
)

// LoadConfig resolves aplvm's on-disk config: the explicit --config
// flag value if given, otherwise the XDG default path.
func LoadConfig(explicitPath string) (config.Config, error) {
	path := explicitPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return config.Config{}, err
		}
		path = p
	}
	return config.Load(path)
}

// NewLogger builds the process logger from cfg, upgraded to debug
// level when --verbose is set and silenced to errors-only when --quiet
// is set.
func NewLogger(cfg config.Config) *slog.Logger {
	lc := &aplog.Config{
		Level:  cfg.Log.Level,
		Format: aplog.Format(cfg.Log.Format),
		Output: os.Stderr,
	}
	if GetVerbose() {
		lc.Level = "debug"
		lc.AddSource = true
	}
	if GetQuiet() {
		lc.Level = "error"
	}
	return aplog.New(lc)
}

// SetupTracing installs the process tracer provider per cfg.Tracing
// and returns a tracer plus the shutdown func the caller must invoke
// before exit.
func SetupTracing(ctx context.Context, cfg config.Config) (trace.Tracer, func(context.Context) error, error) {
	v, _, _ := GetVersion()
	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "aplvm",
		ServiceVersion: v,
	})
	if err != nil {
		return nil, nil, err
	}
	return otel.Tracer("github.com/tombee/aplvm/cmd/aplvm"), shutdown, nil
}

// BuildRegistry returns a tool registry carrying every builtin
// reference tool, plus any manifest-declared tools discovered under
// cfg.ToolManifestDir.
func BuildRegistry(cfg config.Config) (*registry.Registry, error) {
	reg := registry.New()
	builtin.Register(reg)
	if cfg.ToolManifestDir != "" {
		if err := reg.LoadManifests(cfg.ToolManifestDir); err != nil {
			return nil, fmt.Errorf("load tool manifests: %w", err)
		}
	}
	return reg, nil
}

// SandboxLayout names the fixed set of directories and files every
// sandbox root carries, per §6: "Under the sandbox root: logs/ (TxLog
// + side logs), out/ (artifacts, including checksum manifest),
// cache/model/ (cache shards), packages/ (emitted archives), tmp/
// (scratch), policy.json (PolicyStore)."
type SandboxLayout struct {
	Root       string
	LogsDir    string
	OutDir     string
	ModelCache string
	Packages   string
	TmpDir     string
	PolicyPath string
	TxLogPath  string
	SideLog    string
}

// EnsureSandbox creates every directory SandboxLayout names under
// root, returning the resolved layout.
func EnsureSandbox(root string) (SandboxLayout, error) {
	l := SandboxLayout{
		Root:       root,
		LogsDir:    filepath.Join(root, "logs"),
		OutDir:     filepath.Join(root, "out"),
		ModelCache: filepath.Join(root, "cache", "model"),
		Packages:   filepath.Join(root, "packages"),
		TmpDir:     filepath.Join(root, "tmp"),
	}
	l.PolicyPath = filepath.Join(root, "policy.json")
	l.TxLogPath = filepath.Join(l.LogsDir, "tx.jsonl")
	l.SideLog = filepath.Join(l.LogsDir, "model-calls.json")

	for _, d := range []string{l.LogsDir, l.OutDir, l.ModelCache, l.Packages, l.TmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return l, fmt.Errorf("create sandbox dir %s: %w", d, err)
		}
	}
	return l, nil
}

// VMDeps bundles the collaborators a pkg/vm.Config needs, built from a
// sandbox layout and aplvm's configuration.
type VMDeps struct {
	Guard       *sandbox.Guard
	PolicyStore *policy.Store
	History     *policy.HistoryMirror // non-nil only with the sqlite policy backend
	TxLog       *txlog.Logger
	ModelCache  *modelcache.Gate
}

// Close releases any resources VMDeps opened.
func (d *VMDeps) Close() error {
	if d.History != nil {
		return d.History.Close()
	}
	return nil
}

// BuildVMDeps opens every collaborator a VM run needs against layout,
// per cfg's policy backend selection.
func BuildVMDeps(layout SandboxLayout, cfg config.Config) (*VMDeps, error) {
	guard, err := sandbox.NewGuard(layout.OutDir)
	if err != nil {
		return nil, fmt.Errorf("build sandbox guard: %w", err)
	}

	store, err := policy.Load(layout.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy store: %w", err)
	}

	var history *policy.HistoryMirror
	if cfg.PolicyBackend == config.PolicyBackendSQLite {
		history, err = policy.OpenHistoryMirror(filepath.Join(layout.Root, "policy-history.db"))
		if err != nil {
			return nil, fmt.Errorf("open policy history mirror: %w", err)
		}
		store.SetHistory(history)
	}

	logger, err := txlog.Open(layout.TxLogPath)
	if err != nil {
		if history != nil {
			history.Close()
		}
		return nil, fmt.Errorf("open tx log: %w", err)
	}

	cache, err := modelcache.Open(layout.ModelCache)
	if err != nil {
		if history != nil {
			history.Close()
		}
		return nil, fmt.Errorf("open model cache: %w", err)
	}

	return &VMDeps{
		Guard:       guard,
		PolicyStore: store,
		History:     history,
		TxLog:       logger,
		ModelCache:  modelcache.NewGate(cache, modelcache.Normal),
	}, nil
}
