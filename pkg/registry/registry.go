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

// Package registry is the tool registry the VM's CALL_TOOL instruction
// and the validator's schema generator both read from. Tools are
// registered as static Go closures at startup rather than discovered
// as dynamically loaded modules: the Python prototype imports each
// tool module by dotted path at compile time, which has no safe
// analogue in a statically linked Go binary, so every builtin tool is
// a plain function wired into the registry by builtin.Register, and
// only MCP-backed tools are resolved dynamically through a manifest
// naming a remote server and tool name.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Func is a builtin tool's implementation: given resolved input
// values and declared args, it returns the tool's output map, keyed by
// output port name.
type Func func(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error)

// Port describes one declared input or output port of a tool, per §3
// DATA MODEL's tool specification ("inputs (map from port to
// {type, description, required})").
type Port struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Spec describes one registered tool: its manifest fields plus either
// a Go implementation or an MCP locator to dispatch to.
type Spec struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	Inputs       map[string]Port `json:"inputs"`
	Outputs      map[string]Port `json:"outputs"`
	Capabilities []string        `json:"capabilities"`

	// Model, when non-empty, names the model identity a tool's calls
	// are gated under in ModelCache/ReplayGate (§4.4): the VM routes
	// such a tool's invocation through the cache instead of calling it
	// directly, so a replayed run serves the recorded output rather
	// than re-invoking a non-deterministic backend. Empty for every
	// reference tool in this registry — they are all pure functions of
	// their inputs — but a manifest-declared MCP tool backed by a
	// model endpoint would set this.
	Model string `json:"model,omitempty"`

	// Implementation is the manifest locator: either a local path
	// (informational for Go-native builtins, which are wired directly
	// by Impl) or "mcp:<server>:<remote_name>".
	Implementation string `json:"implementation"`

	Impl Func `json:"-"` // nil for MCP-backed tools
}

// MCPTarget parses an "mcp:<server>:<remote_name>" implementation
// locator, reporting ok=false if Implementation isn't one.
func (s Spec) MCPTarget() (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(s.Implementation, "mcp:")
	if !found {
		return "", "", false
	}
	server, tool, ok = strings.Cut(rest, ":")
	return server, tool, ok
}

// Registry holds every tool available to a compiled program, indexed
// by name. Manifest files declare tools (builtin or MCP-backed);
// Register adds a tool directly from Go code.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Spec
	mcp   *mcpPool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Spec), mcp: newMCPPool()}
}

// Register adds a tool, overwriting any manifest-only entry of the
// same name with a Go-backed Impl (this is how a builtin's manifest
// JSON and its Go closure are reunited at startup). It panics if the
// name was already registered with a non-nil Impl: that is a startup
// wiring bug, not a runtime condition to recover from.
func (r *Registry) Register(s Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, exists := r.tools[s.Name]; exists && existing.Impl != nil {
		panic(fmt.Sprintf("registry: tool %q registered twice", s.Name))
	}
	r.tools[s.Name] = s
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tools[name]
	return s, ok
}

// Capabilities implements pkg/lower.ToolCapabilities: it reports the
// capability set a named tool requires, without checking whether any
// of them are actually granted (that's pkg/vm's CapPolicy's job, per
// §4.3: "The registry MUST NOT perform capability checks").
func (r *Registry) Capabilities(name string) ([]string, bool) {
	s, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return s.Capabilities, true
}

// Names returns every registered tool name, sorted, for `aplvm compile
// --tools` and for schema generation (§4.1: "the op list is sorted").
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AllCapabilities returns the sorted, deduplicated union of every
// registered tool's declared capability set, for the validator's
// generated capability enum (§4.1).
func (r *Registry) AllCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, s := range r.tools {
		for _, c := range s.Capabilities {
			seen[c] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// LoadManifests discovers every `*.tool.json` file under root
// (recursively, via a doublestar glob so manifests can live in nested
// namespace directories) and registers each. A manifest with a
// non-empty Implementation that isn't "mcp:..." is assumed to name a
// builtin already (or about to be) wired via Register with the same
// Name; LoadManifests never overwrites a Go-backed Impl. Malformed
// manifests are logged and skipped, per §4.3: "malformed manifests are
// logged and skipped."
func (r *Registry) LoadManifests(root string) error {
	matches, err := doublestar.Glob(os.DirFS(root), "**/*.tool.json")
	if err != nil {
		return fmt.Errorf("glob tool manifests: %w", err)
	}
	for _, rel := range matches {
		path := root + string(os.PathSeparator) + rel
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable tool manifest", "path", path, "error", err)
			continue
		}
		var s Spec
		if err := json.Unmarshal(data, &s); err != nil {
			slog.Warn("skipping malformed tool manifest", "path", path, "error", err)
			continue
		}
		if s.Name == "" || s.Version == "" || s.Description == "" || s.Category == "" || s.Implementation == "" {
			slog.Warn("skipping tool manifest missing a required field", "path", path)
			continue
		}
		r.mu.Lock()
		if existing, exists := r.tools[s.Name]; !exists || existing.Impl == nil {
			r.tools[s.Name] = s
		}
		r.mu.Unlock()
	}
	return nil
}
