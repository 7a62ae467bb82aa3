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

// Package compile implements `aplvm compile`: validate a plan document
// against the generated (or a static) schema, lower it to a bytecode
// envelope, and write the envelope to disk.
package compile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/cobra"

	"github.com/tombee/aplvm/internal/commands/shared"
	"github.com/tombee/aplvm/pkg/lower"
	"github.com/tombee/aplvm/pkg/plan"
	"github.com/tombee/aplvm/pkg/registry"
	"github.com/tombee/aplvm/pkg/schema"
)

// NewCommand creates the compile command.
func NewCommand() *cobra.Command {
	var (
		outPath    string
		schemaPath string
		schemaOut  string
		tools      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "compile <plan_path>",
		Short: "Compile a plan document into a bytecode envelope",
		Long: `Compile validates a plan document against its JSON schema
(generated from the tool registry unless --schema gives a static
schema file), lowers it to a flat bytecode envelope, and writes the
result as JSON.

--tools prints the registry's discovered tool names instead of
compiling, for inspecting what "op" values a plan may use.

--schema-out writes the generated schema (the one "aplvm validate"
expects) to a file, without compiling plan_path.

--watch recompiles plan_path every time it changes on disk, printing
each result, until interrupted.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := args[0]
			if tools {
				return listTools()
			}
			if schemaOut != "" {
				reg, err := buildRegistry()
				if err != nil {
					return shared.NewExitError(shared.ExitFailed, "build tool registry", err)
				}
				return writeGeneratedSchema(reg, schemaOut)
			}
			out := outPath
			if out == "" {
				out = defaultOutPath(planPath)
			}
			if watch {
				return watchCompile(planPath, out, schemaPath)
			}
			return compileOnce(planPath, out, schemaPath)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output path for the bytecode envelope (default: <plan>.bytecode.json)")
	cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "Static JSON schema file to validate against (default: generated from the tool registry)")
	cmd.Flags().StringVar(&schemaOut, "schema-out", "", "Write the generated schema to this path instead of compiling")
	cmd.Flags().BoolVar(&tools, "tools", false, "List the registry's discovered tool names instead of compiling")
	cmd.Flags().BoolVar(&watch, "watch", false, "Recompile on every change to plan_path")

	return cmd
}

// buildRegistry loads aplvm's configuration and assembles the tool
// registry the same way compileOnce does, for the --schema-out path
// that needs a registry without a plan to validate.
func buildRegistry() (*registry.Registry, error) {
	cfg, err := shared.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return nil, err
	}
	return shared.BuildRegistry(cfg)
}

// listTools prints every tool name the registry discovered, sorted,
// one per line, mirroring the op enumeration schema.Generate places
// in the generated schema.
func listTools() error {
	cfg, err := shared.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "load config", err)
	}
	reg, err := shared.BuildRegistry(cfg)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "build tool registry", err)
	}
	for _, name := range reg.Names() {
		fmt.Println(name)
	}
	return nil
}

// writeGeneratedSchema writes the schema reflected from reg to path,
// the document "aplvm validate" takes as its schema_path argument.
func writeGeneratedSchema(reg *registry.Registry, path string) error {
	doc := schema.Generate(reg)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "marshal generated schema", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return shared.NewExitError(shared.ExitFailed, "write generated schema", err)
	}
	fmt.Printf("schema -> %s\n", path)
	return nil
}

func defaultOutPath(planPath string) string {
	base := strings.TrimSuffix(filepath.Base(planPath), filepath.Ext(planPath))
	return filepath.Join(filepath.Dir(planPath), base+".bytecode.json")
}

func compileOnce(planPath, outPath, schemaPath string) error {
	cfg, err := shared.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "load config", err)
	}
	logger := shared.NewLogger(cfg)

	data, err := plan.Load(planPath)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "read plan file", err)
	}

	reg, err := shared.BuildRegistry(cfg)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "build tool registry", err)
	}

	compiled, err := compileSchema(schemaPath, reg)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "build schema", err)
	}
	if err := schema.Validate(compiled, data); err != nil {
		return shared.NewExitError(shared.ExitInvalidPlan, "validate plan", err)
	}

	p, err := plan.Parse(data)
	if err != nil {
		return shared.NewExitError(shared.ExitInvalidPlan, "parse plan", err)
	}

	result, err := lower.Lower(p, reg)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "lower plan", err)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	envData, err := json.MarshalIndent(result.Envelope, "", "  ")
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "marshal bytecode envelope", err)
	}
	if err := os.WriteFile(outPath, envData, 0o644); err != nil {
		return shared.NewExitError(shared.ExitFailed, "write bytecode envelope", err)
	}

	logger.Info("compiled plan", "plan", planPath, "out", outPath, "app_id", result.Envelope.AppID)
	fmt.Printf("compile %s -> %s (app_id=%s)\n", planPath, outPath, result.Envelope.AppID)
	return nil
}

// compileSchema returns the jsonschema.Schema to validate against:
// either reflected from the live tool registry, or loaded verbatim
// from schemaPath when the caller wants a pinned, static schema.
func compileSchema(schemaPath string, reg schema.ToolCapabilities) (*jsonschema.Schema, error) {
	if schemaPath == "" {
		doc := schema.Generate(reg)
		return schema.Compile(doc)
	}
	raw, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema file: %w", err)
	}
	return schema.Compile(doc)
}

// watchCompile recompiles planPath every time it changes on disk,
// debouncing rapid successive writes so a burst of saves from an
// editor doesn't trigger redundant recompiles.
func watchCompile(planPath, outPath, schemaPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "create file watcher", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(planPath)
	if err := watcher.Add(dir); err != nil {
		return shared.NewExitError(shared.ExitFailed, "watch plan directory", err)
	}

	absPlan, err := filepath.Abs(planPath)
	if err != nil {
		return shared.NewExitError(shared.ExitFailed, "resolve plan path", err)
	}

	logger := slog.Default()
	recompile := func() {
		if err := compileOnce(planPath, outPath, schemaPath); err != nil {
			logger.Error("recompile failed", "error", err)
		}
	}
	recompile()

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			changed, _ := filepath.Abs(event.Name)
			if changed != absPlan || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, recompile)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("file watcher error", "error", err)
		}
	}
}
