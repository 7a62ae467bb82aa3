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

package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/aplvm/pkg/aplerr"
)

func TestDefaultLimitsMatchSpec(t *testing.T) {
	d := Default()
	assert.Equal(t, int64(50*1024*1024), d.IOBytes)
	assert.Equal(t, int64(100), d.FilesWritten)
	assert.Equal(t, int64(30_000), d.CPUMillis)
	assert.Equal(t, int64(10), d.ModelCalls)
}

func TestChargeIOBytesSucceedsUnderLimit(t *testing.T) {
	q := NewQuotas(Limits{IOBytes: 100})
	require.NoError(t, q.ChargeIOBytes(60))
	require.NoError(t, q.ChargeIOBytes(40))
	assert.Equal(t, int64(100), q.Usage().IOBytes)
}

func TestChargeIOBytesRejectsOverLimit(t *testing.T) {
	q := NewQuotas(Limits{IOBytes: 100})
	require.NoError(t, q.ChargeIOBytes(60))

	err := q.ChargeIOBytes(50)
	require.Error(t, err)
	var qerr *aplerr.QuotaExceededError
	assert.ErrorAs(t, err, &qerr)
	assert.Equal(t, "io_bytes", qerr.Metric)

	// the rejected charge must not be applied: usage stays at the
	// last successful total, not the attempted (over-limit) one.
	assert.Equal(t, int64(60), q.Usage().IOBytes)
}

func TestChargeFileWrittenIncrementsByOne(t *testing.T) {
	q := NewQuotas(Limits{FilesWritten: 1})
	require.NoError(t, q.ChargeFileWritten())
	err := q.ChargeFileWritten()
	require.Error(t, err)
	var qerr *aplerr.QuotaExceededError
	assert.ErrorAs(t, err, &qerr)
	assert.Equal(t, "files_written", qerr.Metric)
}

func TestChargeModelCallIncrementsByOne(t *testing.T) {
	q := NewQuotas(Limits{ModelCalls: 1})
	require.NoError(t, q.ChargeModelCall())
	assert.Error(t, q.ChargeModelCall())
}
