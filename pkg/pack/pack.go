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

// Package pack emits the self-contained package archive that is the
// replay primitive (§4.6 PACKAGER): a ZIP containing the plan, the
// lowered bytecode envelope, a capabilities-only view of policy, and
// the run's checksum manifest, named exactly manifest.json,
// plan.apl.json, bytecode.json, policy.json, checksums.json per §6.
package pack

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/tombee/aplvm/pkg/bytecode"
)

// entryNames fixes the archive's contents per §6 EXTERNAL INTERFACES:
// "entries named exactly manifest.json, plan.apl.json, bytecode.json,
// policy.json, checksums.json; no directory entries."
const (
	entryManifest  = "manifest.json"
	entryPlan      = "plan.apl.json"
	entryBytecode  = "bytecode.json"
	entryPolicy    = "policy.json"
	entryChecksums = "checksums.json"
)

// Manifest is the archive header: name, version, creation timestamp,
// capability list, program length, and an echo of the inputs map
// (§4.6: "The manifest header records name, version, creation
// timestamp, capability list, program length, and an echo of the
// inputs map").
type Manifest struct {
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	CreatedAt     string            `json:"created_at"`
	Capabilities  []string          `json:"capabilities"`
	ProgramLength int               `json:"program_length"`
	Inputs        map[string]string `json:"inputs"`
}

// PolicyView is the capabilities-only view of policy the archive
// carries (§4.6: "policy (capabilities-only view)") — it is not the
// live PolicyStore, which holds grants and quota overrides that stay
// local to the sandbox that produced the run.
type PolicyView struct {
	Capabilities []string `json:"capabilities"`
}

// Checksums mirrors §3's checksum manifest shape: the run that
// produced this package and the sha256-hex digest of every file under
// its sandbox output directory.
type Checksums struct {
	RunID     string            `json:"run_id"`
	Checksums map[string]string `json:"checksums"`
}

// Options bundles everything Package needs to emit one archive.
type Options struct {
	Name      string
	Version   string
	CreatedAt string // RFC3339; caller stamps this so pack stays a pure function of its inputs
	PlanJSON  []byte
	Envelope  *bytecode.Envelope
	RunID     string
	Checksums map[string]string
	Inputs    map[string]string
}

// Package writes a deflate-compressed ZIP archive to outPath
// containing opts' plan, bytecode, capabilities-only policy view, and
// checksum manifest. Archive contents are canonically encoded
// (sorted keys) so Pack∘Replay idempotence does not depend on map
// iteration order leaking into the archive bytes.
func Package(opts Options, outPath string) error {
	if opts.Envelope == nil {
		return fmt.Errorf("pack: envelope is required")
	}

	manifest := Manifest{
		Name:          opts.Name,
		Version:       opts.Version,
		CreatedAt:     opts.CreatedAt,
		Capabilities:  opts.Envelope.Capabilities,
		ProgramLength: len(opts.Envelope.Program.Instructions),
		Inputs:        opts.Inputs,
	}
	manifestJSON, err := bytecode.Canonical(manifest)
	if err != nil {
		return fmt.Errorf("pack: encode manifest: %w", err)
	}

	envJSON, err := bytecode.Canonical(opts.Envelope)
	if err != nil {
		return fmt.Errorf("pack: encode bytecode envelope: %w", err)
	}

	policyJSON, err := bytecode.Canonical(PolicyView{Capabilities: opts.Envelope.Capabilities})
	if err != nil {
		return fmt.Errorf("pack: encode policy view: %w", err)
	}

	checksumJSON, err := bytecode.Canonical(Checksums{RunID: opts.RunID, Checksums: opts.Checksums})
	if err != nil {
		return fmt.Errorf("pack: encode checksums: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("pack: create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	entries := []struct {
		name string
		data []byte
	}{
		{entryManifest, manifestJSON},
		{entryPlan, opts.PlanJSON},
		{entryBytecode, envJSON},
		{entryPolicy, policyJSON},
		{entryChecksums, checksumJSON},
	}
	// Sorted so the archive's entry order is itself deterministic,
	// matching the general determinism posture of §4.5.
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	for _, e := range entries {
		fh := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		w, err := zw.CreateHeader(fh)
		if err != nil {
			return fmt.Errorf("pack: add %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return fmt.Errorf("pack: write %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("pack: finalize archive: %w", err)
	}
	return nil
}

// Extracted holds a package archive's parsed contents, read back by
// Extract for ReplayEngine (and any other consumer — e.g. an
// inspection CLI command) to act on.
type Extracted struct {
	Manifest  Manifest
	PlanJSON  []byte
	Envelope  *bytecode.Envelope
	Policy    PolicyView
	Checksums Checksums
}

// Extract reads and decodes every entry of the archive at path. It
// does not write anything to disk; callers that need the plan or
// bytecode materialized as files (e.g. for inspection) write
// Extracted's fields themselves.
func Extract(path string) (*Extracted, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("pack: open archive: %w", err)
	}
	defer r.Close()

	raw := make(map[string][]byte, len(r.File))
	for _, zf := range r.File {
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("pack: open entry %s: %w", zf.Name, err)
		}
		data, err := readAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("pack: read entry %s: %w", zf.Name, err)
		}
		raw[zf.Name] = data
	}

	var ex Extracted
	if data, ok := raw[entryManifest]; ok {
		if err := json.Unmarshal(data, &ex.Manifest); err != nil {
			return nil, fmt.Errorf("pack: parse manifest.json: %w", err)
		}
	} else {
		return nil, fmt.Errorf("pack: archive missing %s", entryManifest)
	}
	planJSON, ok := raw[entryPlan]
	if !ok {
		return nil, fmt.Errorf("pack: archive missing %s", entryPlan)
	}
	ex.PlanJSON = planJSON

	bcData, ok := raw[entryBytecode]
	if !ok {
		return nil, fmt.Errorf("pack: archive missing %s", entryBytecode)
	}
	var env bytecode.Envelope
	if err := json.Unmarshal(bcData, &env); err != nil {
		return nil, fmt.Errorf("pack: parse bytecode.json: %w", err)
	}
	ex.Envelope = &env

	if data, ok := raw[entryPolicy]; ok {
		if err := json.Unmarshal(data, &ex.Policy); err != nil {
			return nil, fmt.Errorf("pack: parse policy.json: %w", err)
		}
	}
	if data, ok := raw[entryChecksums]; ok {
		if err := json.Unmarshal(data, &ex.Checksums); err != nil {
			return nil, fmt.Errorf("pack: parse checksums.json: %w", err)
		}
	} else {
		return nil, fmt.Errorf("pack: archive missing %s", entryChecksums)
	}

	return &ex, nil
}

func readAll(r interface{ Read([]byte) (int, error) }) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err.Error() == "EOF" {
				return buf, nil
			}
			return buf, err
		}
	}
}
