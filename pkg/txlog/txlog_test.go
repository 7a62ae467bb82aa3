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

package txlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartEffectEndBracketsRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	runID, err := l.Start(false)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	require.NoError(t, l.Effect("s1", "write_file", "out/report.json", true, nil))
	require.NoError(t, l.End("ok"))

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, RunStart, entries[0].Type)
	assert.Equal(t, Effect, entries[1].Type)
	assert.Equal(t, "out/report.json", entries[1].Path)
	assert.True(t, entries[1].Created)
	assert.Equal(t, RunEnd, entries[2].Type)
	assert.Equal(t, "ok", entries[2].Status)

	for _, e := range entries {
		assert.Equal(t, runID, e.RunID)
	}
}

func TestSeqIncrementsPerEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.Start(false)
	require.NoError(t, err)
	require.NoError(t, l.Effect("s1", "write_file", "a", true, nil))
	require.NoError(t, l.Effect("s2", "write_file", "b", true, nil))
	require.NoError(t, l.End("ok"))

	entries, err := ReadAll(path)
	require.NoError(t, err)
	for i, e := range entries {
		assert.Equal(t, i, e.Seq)
	}
}

func TestDryRunStampedOnEveryEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.Start(true)
	require.NoError(t, err)
	require.NoError(t, l.Effect("s1", "write_file", "a", true, nil))
	require.NoError(t, l.End("ok"))

	entries, err := ReadAll(path)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.DryRun)
	}
}

func TestOpenAppendsAcrossMultipleRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.jsonl")
	l1, err := Open(path)
	require.NoError(t, err)
	run1, err := l1.Start(false)
	require.NoError(t, err)
	require.NoError(t, l1.End("ok"))

	l2, err := Open(path)
	require.NoError(t, err)
	run2, err := l2.Start(false)
	require.NoError(t, err)
	require.NoError(t, l2.End("failed"))

	assert.NotEqual(t, run1, run2)

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, run1, entries[0].RunID)
	assert.Equal(t, run2, entries[2].RunID)
}

func TestRunIDEmptyBeforeStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "", l.RunID())
}
