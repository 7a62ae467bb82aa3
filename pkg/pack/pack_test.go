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

package pack

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/aplvm/pkg/bytecode"
)

func testEnvelope() *bytecode.Envelope {
	prog := bytecode.Program{Instructions: []bytecode.Instruction{
		{Op: "LOAD_CONST", Out: []bytecode.IOSlot{{Slot: "S0"}}, Args: map[string]any{"value": 1}},
	}}
	appID, _ := bytecode.AppID(prog)
	return &bytecode.Envelope{
		AppID:        appID,
		Program:      prog,
		Capabilities: []string{"fs:read", "fs:write"},
		Slots:        map[string]string{"S0": "const"},
	}
}

func TestPackageWritesAllFiveEntries(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "run.apkg")

	opts := Options{
		Name:      "demo",
		Version:   "1.0.0",
		CreatedAt: "2026-01-01T00:00:00Z",
		PlanJSON:  []byte(`{"name":"demo","version":"1.0.0","steps":[]}`),
		Envelope:  testEnvelope(),
		RunID:     "run-1",
		Checksums: map[string]string{"out/model.json": "abc123"},
		Inputs:    map[string]string{"data": "file:///in.csv"},
	}
	require.NoError(t, Package(opts, out))

	r, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
		assert.Equal(t, zip.Deflate, f.Method)
	}
	assert.ElementsMatch(t, []string{
		"manifest.json", "plan.apl.json", "bytecode.json", "policy.json", "checksums.json",
	}, names)
}

func TestPackageThenExtractRoundTrips(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "run.apkg")

	env := testEnvelope()
	opts := Options{
		Name:      "demo",
		Version:   "1.0.0",
		CreatedAt: "2026-01-01T00:00:00Z",
		PlanJSON:  []byte(`{"name":"demo"}`),
		Envelope:  env,
		RunID:     "run-1",
		Checksums: map[string]string{"out/model.json": "abc123"},
		Inputs:    map[string]string{"data": "file:///in.csv"},
	}
	require.NoError(t, Package(opts, out))

	ex, err := Extract(out)
	require.NoError(t, err)

	assert.Equal(t, "demo", ex.Manifest.Name)
	assert.Equal(t, "1.0.0", ex.Manifest.Version)
	assert.Equal(t, 1, ex.Manifest.ProgramLength)
	assert.ElementsMatch(t, []string{"fs:read", "fs:write"}, ex.Manifest.Capabilities)
	assert.Equal(t, "file:///in.csv", ex.Manifest.Inputs["data"])

	assert.Equal(t, env.AppID, ex.Envelope.AppID)
	assert.Equal(t, "run-1", ex.Checksums.RunID)
	assert.Equal(t, "abc123", ex.Checksums.Checksums["out/model.json"])
	assert.ElementsMatch(t, []string{"fs:read", "fs:write"}, ex.Policy.Capabilities)
}

func TestPackageRejectsNilEnvelope(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "run.apkg")
	err := Package(Options{PlanJSON: []byte(`{}`)}, out)
	assert.Error(t, err)
}

func TestExtractRejectsMissingEntry(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "broken.apkg")
	require.NoError(t, writeZip(out, map[string][]byte{
		"manifest.json": []byte(`{}`),
	}))

	_, err := Extract(out)
	assert.Error(t, err)
}

func writeZip(path string, entries map[string][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return zw.Close()
}
