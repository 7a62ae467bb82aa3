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

// Package sandbox confines VM file I/O to a workspace root and meters
// resource usage against the run's quotas.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/aplvm/pkg/aplerr"
)

// Guard resolves paths relative to a fixed workspace root and refuses
// anything that would escape it, whether by ".." traversal or by a
// symlink planted inside the root.
type Guard struct {
	root string
}

// NewGuard returns a Guard confined to root. root is canonicalized
// (symlinks resolved) once up front so every subsequent Resolve call
// compares against a stable base.
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			real = abs
		} else {
			return nil, fmt.Errorf("sandbox root: %w", err)
		}
	}
	return &Guard{root: real}, nil
}

// Resolve canonicalizes path (which may be relative to the sandbox
// root or already absolute) and verifies the result is lexically
// contained within the root, resolving symlinks on every existing
// path segment before the containment check.
func (g *Guard) Resolve(path string) (string, error) {
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, err := resolveExistingPrefix(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(g.root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &aplerr.PermissionDeniedError{Path: path, Reason: "escapes sandbox root " + g.root}
	}
	return resolved, nil
}

// resolveExistingPrefix walks up from path until it finds a segment
// that exists, resolves symlinks on that existing prefix, then
// reattaches the remaining (not-yet-created) segments unchanged. This
// lets Resolve confine a path the VM is about to CREATE, not just one
// that already exists.
func resolveExistingPrefix(path string) (string, error) {
	existing := path
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	for _, seg := range tail {
		real = filepath.Join(real, seg)
	}
	return real, nil
}

// Root returns the guard's canonical root path.
func (g *Guard) Root() string { return g.root }
