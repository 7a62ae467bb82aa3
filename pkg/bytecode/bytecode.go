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

// Package bytecode defines the lowered program shape the VM executes,
// and the canonical-JSON encoding used to derive a stable app_id from
// a program's content.
package bytecode

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// IOSlot is one resolved input or output port: either a slot reference
// (materialized at run time from the slot arena) or a literal value
// carried straight through from the plan. Exactly one of Slot/Literal
// is populated; Port is empty only for the legacy typed opcodes, which
// address their operands positionally instead of by name.
type IOSlot struct {
	Port    string `json:"port,omitempty"`
	Slot    string `json:"slot,omitempty"`
	Literal any    `json:"literal,omitempty"`
}

// IsRef reports whether this port resolves through the slot arena
// rather than carrying a literal value.
func (s IOSlot) IsRef() bool { return s.Slot != "" }

// Instruction is one entry in a program's instruction list. The VM has
// no jumps: the instruction pointer always advances by one. Fields
// unused by a given Op are left zero.
type Instruction struct {
	Op     string         `json:"op"`
	StepID string         `json:"step_id,omitempty"`
	In     []IOSlot       `json:"in,omitempty"`
	Out    []IOSlot       `json:"out,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	// Tool names the registry entry for Op == "CALL_TOOL".
	Tool string `json:"tool,omitempty"`

	// Slot/Field/Threshold/Strict are set for Op == "ASSERT_GE": Slot
	// is the root slot the guard reads, Field is the (possibly empty)
	// field path under it, and Strict distinguishes ">" from ">="
	// (both lower to ASSERT_GE; "<", "<=", "==" are rejected by the
	// lowerer and never reach here).
	Slot      string  `json:"slot,omitempty"`
	Field     string  `json:"field,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Strict    bool    `json:"strict,omitempty"`
}

// Find returns the first port in slots named name.
func Find(slots []IOSlot, name string) (IOSlot, bool) {
	for _, s := range slots {
		if s.Port == name {
			return s, true
		}
	}
	return IOSlot{}, false
}

// Program is an ordered, jump-free instruction sequence.
type Program struct {
	Instructions []Instruction `json:"instructions"`
}

// Envelope is the full unit the VM loads and the packager archives:
// the program plus the capability set it was compiled against and the
// name->slot map the symtab assigned (§3 DATA MODEL's bytecode
// envelope: "slots (name→slot map)").
type Envelope struct {
	AppID        string            `json:"app_id"`
	Program      Program           `json:"program"`
	Capabilities []string          `json:"capabilities"`
	Slots        map[string]string `json:"slots"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// Canonical renders v as JSON with sorted object keys, compact
// separators, and no HTML-escaping, by round-tripping through a
// generic interface{} so that struct field order gives way to Go's
// default alphabetical map-key ordering on encode.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical: unmarshal: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// AppID derives the content-addressed program identifier: the first
// 12 hex characters of the SHA-256 digest of the program's canonical
// JSON encoding.
func AppID(p Program) (string, error) {
	canon, err := Canonical(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:12], nil
}
