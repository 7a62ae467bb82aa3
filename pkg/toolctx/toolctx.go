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

// Package toolctx carries the VM's "context handle" (§4.3 TOOLREGISTRY)
// through a context.Context so a builtin tool or registry-dispatched
// function can read/write sandbox-confined files and charge quotas
// without either tools or the VM importing the other.
package toolctx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tombee/aplvm/pkg/sandbox"
)

type key struct{}

// Handle is the context a tool implementation receives alongside its
// resolved inputs: sandbox-confined filesystem primitives and the
// active run's quota charger. DryRun suppresses every write.
type Handle struct {
	Guard  *sandbox.Guard
	Quotas *sandbox.Quotas
	DryRun bool

	// Effects, when non-nil, is called once for every WriteFile and
	// for every Mkdir that creates the directory, so the VM can record the effect to TxLog without each tool
	// implementation knowing about logging.
	Effects func(path string, created bool)
}

// With attaches h to ctx.
func With(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, key{}, h)
}

// From retrieves the Handle attached by With, or nil if none.
func From(ctx context.Context) *Handle {
	h, _ := ctx.Value(key{}).(*Handle)
	return h
}

// ReadFile confines path to the sandbox, reads it, and charges
// io_bytes for the number of bytes read.
func (h *Handle) ReadFile(path string) ([]byte, error) {
	resolved, err := h.Guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := h.Quotas.ChargeIOBytes(int64(len(data))); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFile confines path to the sandbox and writes data, charging
// io_bytes for the bytes written and files_written by one if the
// target did not already exist. In DryRun no bytes are written and
// created always reports false (§4.5 DRY-RUN MODE).
func (h *Handle) WriteFile(path string, data []byte, perm os.FileMode) (resolved string, created bool, err error) {
	resolved, err = h.Guard.Resolve(path)
	if err != nil {
		return "", false, err
	}
	_, statErr := os.Stat(resolved)
	created = os.IsNotExist(statErr)

	if h.DryRun {
		if err := h.Quotas.ChargeIOBytes(int64(len(data))); err != nil {
			return resolved, false, err
		}
		if h.Effects != nil {
			h.Effects(resolved, false)
		}
		return resolved, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return resolved, false, fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, data, perm); err != nil {
		return resolved, false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := h.Quotas.ChargeIOBytes(int64(len(data))); err != nil {
		return resolved, created, err
	}
	if created {
		if err := h.Quotas.ChargeFileWritten(); err != nil {
			return resolved, created, err
		}
	}
	if h.Effects != nil {
		h.Effects(resolved, created)
	}
	return resolved, created, nil
}

// Mkdir confines path to the sandbox and creates it (and any missing
// parents). In DryRun it only resolves the path.
func (h *Handle) Mkdir(path string) (resolved string, err error) {
	resolved, err = h.Guard.Resolve(path)
	if err != nil {
		return "", err
	}
	if h.DryRun {
		return resolved, nil
	}
	_, statErr := os.Stat(resolved)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return resolved, fmt.Errorf("mkdir %s: %w", path, err)
	}
	if created && h.Effects != nil {
		h.Effects(resolved, true)
	}
	return resolved, nil
}
