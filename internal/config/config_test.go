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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadReadsYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox_root: /tmp/custom\npolicy_backend: sqlite\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom", cfg.SandboxRoot)
	assert.Equal(t, PolicyBackendSQLite, cfg.PolicyBackend)
	assert.Equal(t, "info", cfg.Log.Level, "unset fields keep their default")
}

func TestEnvOverridesWinOverFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox_root: /tmp/from-file\n"), 0o644))

	t.Setenv("APLVM_SANDBOX_ROOT", "/tmp/from-env")
	t.Setenv("APLVM_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env", cfg.SandboxRoot)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestConfigDirRespectsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, "aplvm", filepath.Base(dir))
}

func TestPolicyPathUnderConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir, err := ConfigDir()
	require.NoError(t, err)

	p, err := PolicyPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "policy.json"), p)
}
