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

package toolctx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/aplvm/pkg/sandbox"
)

func newHandle(t *testing.T) (*Handle, string) {
	t.Helper()
	root := t.TempDir()
	g, err := sandbox.NewGuard(root)
	require.NoError(t, err)
	return &Handle{Guard: g, Quotas: sandbox.NewQuotas(sandbox.Default())}, root
}

func TestWithAndFromRoundTrip(t *testing.T) {
	h := &Handle{}
	ctx := With(context.Background(), h)
	assert.Same(t, h, From(ctx))
}

func TestFromReturnsNilWithoutHandle(t *testing.T) {
	assert.Nil(t, From(context.Background()))
}

func TestWriteFileThenReadFileRoundTrip(t *testing.T) {
	h, _ := newHandle(t)

	resolved, created, err := h.WriteFile("out/report.json", []byte(`{"ok":true}`), 0o644)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, resolved)

	data, err := h.ReadFile("out/report.json")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestWriteFileSecondWriteReportsNotCreated(t *testing.T) {
	h, _ := newHandle(t)
	_, created, err := h.WriteFile("out/a.txt", []byte("v1"), 0o644)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = h.WriteFile("out/a.txt", []byte("v2"), 0o644)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestWriteFileDryRunSkipsWriteAndReportsNotCreated(t *testing.T) {
	h, root := newHandle(t)
	h.DryRun = true

	resolved, created, err := h.WriteFile("out/a.txt", []byte("v1"), 0o644)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoFileExists(t, resolved)
	assert.Equal(t, filepath.Join(root, "out", "a.txt"), resolved)
}

func TestWriteFileInvokesEffectsCallback(t *testing.T) {
	h, _ := newHandle(t)
	var gotPath string
	var gotCreated bool
	h.Effects = func(path string, created bool) {
		gotPath = path
		gotCreated = created
	}

	resolved, _, err := h.WriteFile("out/a.txt", []byte("v1"), 0o644)
	require.NoError(t, err)
	assert.Equal(t, resolved, gotPath)
	assert.True(t, gotCreated)
}

func TestWriteFileRejectsEscapingPath(t *testing.T) {
	h, _ := newHandle(t)
	_, _, err := h.WriteFile("../escape.txt", []byte("x"), 0o644)
	assert.Error(t, err)
}

func TestMkdirCreatesNestedDirs(t *testing.T) {
	h, root := newHandle(t)
	resolved, err := h.Mkdir("a/b/c")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b", "c"), resolved)
	info, err := os.Stat(resolved)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMkdirDryRunDoesNotCreate(t *testing.T) {
	h, _ := newHandle(t)
	h.DryRun = true
	resolved, err := h.Mkdir("a/b")
	require.NoError(t, err)
	assert.NoDirExists(t, resolved)
}

func TestReadFileChargesIOBytesQuota(t *testing.T) {
	h, _ := newHandle(t)
	h.Quotas = sandbox.NewQuotas(sandbox.Limits{IOBytes: 2, FilesWritten: 1})
	_, _, err := h.WriteFile("small.txt", []byte("ab"), 0o644)
	require.NoError(t, err)

	_, err = h.ReadFile("small.txt")
	assert.Error(t, err)
}
