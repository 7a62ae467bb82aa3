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

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/aplvm/pkg/aplerr"
	"github.com/tombee/aplvm/pkg/registry"
)

func testRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register(registry.Spec{Name: "read_csv", Capabilities: []string{"fs.read"}})
	reg.Register(registry.Spec{Name: "train_linear", Capabilities: []string{"fs.write"}})
	return reg
}

func TestGenerateSortsOpsAndCapabilities(t *testing.T) {
	doc := Generate(testRegistry())
	props := doc["properties"].(map[string]any)
	stepsItems := props["steps"].(map[string]any)["items"].(map[string]any)
	opEnum := stepsItems["properties"].(map[string]any)["op"].(map[string]any)["enum"].([]any)
	assert.Equal(t, []any{"guard", "read_csv", "train_linear"}, opEnum)

	capItems := props["capabilities"].(map[string]any)["items"].(map[string]any)
	capEnum := capItems["enum"].([]any)
	assert.Equal(t, []any{"fs.read", "fs.write", "net.*", "proc.spawn"}, capEnum)
}

func TestGenerateIsDeterministic(t *testing.T) {
	reg := testRegistry()
	doc1 := Generate(reg)
	doc2 := Generate(reg)
	assert.Equal(t, doc1, doc2)
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	reg := testRegistry()
	compiled, err := Compile(Generate(reg))
	require.NoError(t, err)

	planJSON := []byte(`{
		"goal": "demo",
		"capabilities": ["fs.read", "fs.write"],
		"steps": [
			{"id": "s1", "op": "read_csv", "in": {"path": "in.csv"}, "out": "$table"}
		]
	}`)
	assert.NoError(t, Validate(compiled, planJSON))
}

func TestValidateRejectsUnknownTopLevelKey(t *testing.T) {
	reg := testRegistry()
	compiled, err := Compile(Generate(reg))
	require.NoError(t, err)

	planJSON := []byte(`{
		"goal": "demo",
		"capabilities": [],
		"steps": [],
		"unexpected_field": true
	}`)
	err = Validate(compiled, planJSON)
	require.Error(t, err)
	var schemaErr *aplerr.SchemaViolationError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestValidateRejectsUnknownOp(t *testing.T) {
	reg := testRegistry()
	compiled, err := Compile(Generate(reg))
	require.NoError(t, err)

	planJSON := []byte(`{
		"goal": "demo",
		"capabilities": ["fs.read"],
		"steps": [{"id": "s1", "op": "not_a_real_tool", "in": {}, "out": "$x"}]
	}`)
	err = Validate(compiled, planJSON)
	require.Error(t, err)
	var schemaErr *aplerr.SchemaViolationError
	assert.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, schemaErr.Pointer, "/steps/0/op")
}

func TestValidateRejectsGuardStepMissingCond(t *testing.T) {
	reg := testRegistry()
	compiled, err := Compile(Generate(reg))
	require.NoError(t, err)

	planJSON := []byte(`{
		"goal": "demo",
		"capabilities": [],
		"steps": [{"id": "g1", "op": "guard"}]
	}`)
	assert.Error(t, Validate(compiled, planJSON))
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	reg := testRegistry()
	compiled, err := Compile(Generate(reg))
	require.NoError(t, err)

	err = Validate(compiled, []byte(`{not json`))
	require.Error(t, err)
	var schemaErr *aplerr.SchemaViolationError
	assert.ErrorAs(t, err, &schemaErr)
}
