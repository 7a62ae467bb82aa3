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

// Package config holds the small set of knobs that don't belong in
// any single compiler/VM package: where the sandbox root and tool
// manifests live, which policy backend to use, and logging/tracing
// defaults. Each subcommand loads it through shared.LoadConfig.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// PolicyBackend selects how capability grants persist across runs.
type PolicyBackend string

const (
	// PolicyBackendJSON is the default: a single JSON file.
	PolicyBackendJSON PolicyBackend = "json"
	// PolicyBackendSQLite additionally mirrors every grant decision
	// into an append-only sqlite history table (pkg/policy.HistoryMirror).
	PolicyBackendSQLite PolicyBackend = "sqlite"
)

// Config is aplvm's on-disk configuration, loaded from
// $XDG_CONFIG_HOME/aplvm/config.yaml (or its per-field environment
// variable overrides).
type Config struct {
	// SandboxRoot is the default workspace a `run`/`replay` confines
	// file I/O to when --sandbox isn't given on the command line.
	SandboxRoot string `yaml:"sandbox_root,omitempty"`

	// ToolManifestDir is scanned recursively for `*.tool.json` manifests
	// at startup, in addition to the builtin Go-native tools that
	// shared.BuildRegistry wires in through builtin.Register.
	ToolManifestDir string `yaml:"tool_manifest_dir,omitempty"`

	// PolicyBackend selects the capability-grant persistence backend.
	PolicyBackend PolicyBackend `yaml:"policy_backend,omitempty"`

	// Log and Tracing configure the ambient observability stack.
	Log     LogConfig     `yaml:"log,omitempty"`
	Tracing TracingConfig `yaml:"tracing,omitempty"`
}

// LogConfig is the on-disk mirror of internal/log.Config's tunables.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// TracingConfig is the on-disk mirror of internal/tracing.Config's tunables.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// Default returns aplvm's baseline configuration: a sandbox rooted at
// the current working directory's "./sandbox", no manifest directory,
// the JSON policy backend, info-level JSON logging, and tracing off.
func Default() Config {
	return Config{
		SandboxRoot:   "sandbox",
		PolicyBackend: PolicyBackendJSON,
		Log:           LogConfig{Level: "info", Format: "json"},
		Tracing:       TracingConfig{Enabled: false},
	}
}

// Load reads path (if it exists) over Default()'s baseline, then
// applies environment variable overrides, so a missing config file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets APLVM_* environment variables win over both
// the baked-in defaults and the config file, the same precedence order
// internal/log.FromEnv already establishes for its own settings.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APLVM_SANDBOX_ROOT"); v != "" {
		cfg.SandboxRoot = v
	}
	if v := os.Getenv("APLVM_TOOL_MANIFEST_DIR"); v != "" {
		cfg.ToolManifestDir = v
	}
	if v := os.Getenv("APLVM_POLICY_BACKEND"); v != "" {
		cfg.PolicyBackend = PolicyBackend(v)
	}
	if v := os.Getenv("APLVM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("APLVM_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = b
		}
	}
}

// ConfigDir returns the XDG config directory for aplvm, creating it if
// it does not already exist. On every platform this is ~/.config/aplvm
// unless XDG_CONFIG_HOME overrides the base.
func ConfigDir() (string, error) {
	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home dir: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, "aplvm")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: create config dir: %w", err)
	}
	return dir, nil
}

// ConfigPath returns the path to aplvm's config file under ConfigDir.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// PolicyPath returns the path to aplvm's policy store under ConfigDir.
func PolicyPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "policy.json"), nil
}
