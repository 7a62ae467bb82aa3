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

// Package schema generates the plan JSON schema from the tool
// registry and validates plan documents against it, per §4.1 VALIDATOR:
// the "op" enum is the registry's sorted tool-name set (plus "guard"),
// the capability enum is the sorted union of every tool's declared
// capabilities plus a small fixed base set, and the document overall
// rejects any key the schema doesn't enumerate.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tombee/aplvm/pkg/aplerr"
)

// BaseCapabilities is the fixed capability vocabulary every schema
// carries regardless of what the registry's tools declare (§6 EXTERNAL
// INTERFACES: "fs.read, fs.write, proc.spawn, net.*").
var BaseCapabilities = []string{"fs.read", "fs.write", "proc.spawn", "net.*"}

// ToolCapabilities is the subset of a tool registry the generator
// needs: every tool name and the union of declared capabilities.
type ToolCapabilities interface {
	Names() []string
	AllCapabilities() []string
}

const schemaID = "https://aplvm/schema/plan.json"

// Generate builds the plan JSON schema (draft 2020-12) by reflecting
// on reg: deterministic, since both the op list and the capability
// list are sorted before being embedded (§4.1: "Schema generation is
// deterministic").
func Generate(reg ToolCapabilities) map[string]any {
	ops := append([]string{"guard"}, reg.Names()...)
	sort.Strings(ops)

	capSet := make(map[string]bool)
	for _, c := range BaseCapabilities {
		capSet[c] = true
	}
	for _, c := range reg.AllCapabilities() {
		capSet[c] = true
	}
	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}
	sort.Strings(caps)

	ref := map[string]any{
		"type":        "string",
		"description": "a variable reference (\"$name\" or \"$name.field\") or a literal value",
	}
	refOrMap := map[string]any{
		"oneOf": []any{
			ref,
			map[string]any{
				"type":                 "object",
				"additionalProperties": ref,
			},
		},
	}

	step := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"id", "op"},
		"properties": map[string]any{
			"id":   map[string]any{"type": "string"},
			"op":   map[string]any{"type": "string", "enum": toAny(ops)},
			"in":   refOrMap,
			"out":  refOrMap,
			"args": map[string]any{"type": "object"},
			"cond": map[string]any{"type": "string"},
		},
		"allOf": []any{
			map[string]any{
				"if":   map[string]any{"properties": map[string]any{"op": map[string]any{"const": "guard"}}, "required": []any{"op"}},
				"then": map[string]any{"required": []any{"cond"}},
			},
		},
	}

	verifyStep := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"op"},
		"properties": map[string]any{
			"op":     map[string]any{"type": "string"},
			"target": map[string]any{"type": "string"},
			"args":   map[string]any{"type": "object"},
		},
	}

	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"$id":                  schemaID,
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"goal", "capabilities", "steps"},
		"properties": map[string]any{
			"goal": map[string]any{"type": "string"},
			"capabilities": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": toAny(caps)},
			},
			"inputs": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"triggers": map[string]any{"type": "array"},
			"steps": map[string]any{
				"type":  "array",
				"items": step,
			},
			"verify": map[string]any{
				"type":  "array",
				"items": verifyStep,
			},
			"rollback": map[string]any{
				"type":  "array",
				"items": step,
			},
			"_generated_at": map[string]any{"type": "string"},
		},
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Compile parses a generated schema document into an executable
// validator.
func Compile(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaID, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(schemaID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// Validate checks planJSON against s. On failure it returns an
// *aplerr.SchemaViolationError naming the JSON pointer of the first
// failing location, per §4.1: "rejected with a structured error
// naming the JSON pointer of the first failure."
func Validate(s *jsonschema.Schema, planJSON []byte) error {
	var doc any
	if err := json.Unmarshal(planJSON, &doc); err != nil {
		return &aplerr.SchemaViolationError{Message: fmt.Sprintf("plan is not valid JSON: %v", err)}
	}
	if err := s.Validate(doc); err != nil {
		pointer, message := firstFailure(err)
		return &aplerr.SchemaViolationError{Pointer: pointer, Message: message}
	}
	return nil
}

// firstFailure descends a jsonschema validation error to its deepest
// cause (the most specific keyword that actually failed) and renders
// that location as a JSON pointer.
func firstFailure(err error) (pointer, message string) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "", err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if len(loc) == 0 {
		return "", ve.Error()
	}
	return "/" + strings.Join(loc, "/"), ve.Error()
}
