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

package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsFieldReturnsFloat(t *testing.T) {
	m := Metrics{"R2": 0.87, "n": 10}
	v, ok := m.Field("R2")
	require.True(t, ok)
	assert.Equal(t, 0.87, v)

	v, ok = m.Field("n")
	require.True(t, ok)
	assert.Equal(t, 10.0, v)
}

func TestMetricsFieldMissingOrNonNumeric(t *testing.T) {
	m := Metrics{"label": "ok"}
	_, ok := m.Field("missing")
	assert.False(t, ok)

	_, ok = m.Field("label")
	assert.False(t, ok)
}

func TestAsTableRoundTrips(t *testing.T) {
	tbl := &Table{Header: []string{"a"}, Rows: [][]any{{1}}}
	got, err := AsTable(tbl)
	require.NoError(t, err)
	assert.Equal(t, tbl, got)

	_, err = AsTable("not a table")
	assert.Error(t, err)
}

func TestAsModelRejectsWrongType(t *testing.T) {
	_, err := AsModel(42)
	assert.Error(t, err)
}

func TestAsMetricsRejectsWrongType(t *testing.T) {
	_, err := AsMetrics("nope")
	assert.Error(t, err)

	m, err := AsMetrics(Metrics{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, Metrics{"x": 1}, m)
}

func TestFieldPathOnMetrics(t *testing.T) {
	v, ok := FieldPath(Metrics{"R2": 0.9}, "R2")
	require.True(t, ok)
	assert.Equal(t, 0.9, v)
}

func TestFieldPathOnGenericMap(t *testing.T) {
	v, ok := FieldPath(map[string]any{"acc": 0.5}, "acc")
	require.True(t, ok)
	assert.Equal(t, 0.5, v)

	_, ok = FieldPath(map[string]any{"acc": "n/a"}, "acc")
	assert.False(t, ok)
}

func TestFieldPathUnsupportedType(t *testing.T) {
	_, ok := FieldPath(42, "x")
	assert.False(t, ok)
}
