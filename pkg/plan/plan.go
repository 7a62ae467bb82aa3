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

// Package plan defines the on-disk plan document and its typed Go
// representation. Schema validation (pkg/schema) is authoritative over
// the raw JSON; Parse assumes the document already validated and is
// only responsible for shaping it into Go structs for the lowerer.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
)

// Plan is a validated declarative graph of tool invocations.
type Plan struct {
	Goal         string            `json:"goal"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Steps        []Step            `json:"steps"`
	Verify       []VerifyStep      `json:"verify,omitempty"`
	Rollback     []Step            `json:"rollback,omitempty"`
	GeneratedAt  string            `json:"_generated_at,omitempty"`
}

// Step is one entry in a plan's step list.
type Step struct {
	ID   string         `json:"id"`
	Op   string         `json:"op"`
	In   Ref            `json:"in,omitempty"`
	Out  Ref            `json:"out,omitempty"`
	Args map[string]any `json:"args,omitempty"`
	Cond string         `json:"cond,omitempty"`
}

// VerifyStep is one entry in a plan's optional verify list.
type VerifyStep struct {
	Op     string         `json:"op"`
	Target string         `json:"target,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// Ref is the "in"/"out" field of a Step: either a single string (a
// variable reference "$name", "$name.field", or a literal), or a
// mapping from port name to such a string. Exactly one of Single or
// Map is populated, discriminated by IsMap.
type Ref struct {
	Single string
	Map    map[string]string
	IsMap  bool
}

// UnmarshalJSON accepts either a JSON string or a JSON object of
// string values.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Single = s
		r.IsMap = false
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err == nil {
		r.Map = m
		r.IsMap = true
		return nil
	}
	return fmt.Errorf("ref must be a string or an object of strings")
}

// MarshalJSON emits the single string form or the map form.
func (r Ref) MarshalJSON() ([]byte, error) {
	if r.IsMap {
		return json.Marshal(r.Map)
	}
	return json.Marshal(r.Single)
}

// Load reads a plan file's raw bytes without parsing. Raw bytes are
// what pkg/schema validates; only a document that validates should be
// passed to Parse.
func Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return data, nil
}

// Parse decodes raw plan bytes into a typed Plan. Callers are expected
// to have already validated the bytes against the generated schema.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &p, nil
}
