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

package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppIDIsStableAcrossEqualPrograms(t *testing.T) {
	p := Program{Instructions: []Instruction{
		{Op: "CALL_TOOL", Tool: "read_csv", In: []IOSlot{{Port: "path", Literal: "in.csv"}}},
	}}
	id1, err := AppID(p)
	require.NoError(t, err)
	id2, err := AppID(p)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 12)
}

func TestAppIDDiffersOnAnyProgramChange(t *testing.T) {
	base := Program{Instructions: []Instruction{
		{Op: "CALL_TOOL", Tool: "read_csv", In: []IOSlot{{Port: "path", Literal: "in.csv"}}},
	}}
	changed := Program{Instructions: []Instruction{
		{Op: "CALL_TOOL", Tool: "read_csv", In: []IOSlot{{Port: "path", Literal: "other.csv"}}},
	}}
	id1, err := AppID(base)
	require.NoError(t, err)
	id2, err := AppID(changed)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestCanonicalSortsMapKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2}
	out, err := Canonical(a)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))
}

func TestCanonicalDoesNotEscapeHTML(t *testing.T) {
	out, err := Canonical(map[string]any{"path": "a/b<c>"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "<c>")
}

func TestFindLocatesPortByName(t *testing.T) {
	slots := []IOSlot{{Port: "table", Slot: "S0"}, {Port: "path", Literal: "in.csv"}}
	found, ok := Find(slots, "path")
	assert.True(t, ok)
	assert.Equal(t, "in.csv", found.Literal)

	_, ok = Find(slots, "missing")
	assert.False(t, ok)
}

func TestIOSlotIsRef(t *testing.T) {
	assert.True(t, IOSlot{Slot: "S0"}.IsRef())
	assert.False(t, IOSlot{Literal: "x"}.IsRef())
}
