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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnvDebugTakesPrecedence(t *testing.T) {
	t.Setenv("APLVM_DEBUG", "1")
	t.Setenv("APLVM_LOG_LEVEL", "error")

	cfg := FromEnv()
	if cfg.Level != "debug" {
		t.Errorf("expected APLVM_DEBUG to force debug level, got %q", cfg.Level)
	}
	if !cfg.AddSource {
		t.Errorf("expected APLVM_DEBUG to enable AddSource")
	}
}

func TestFromEnvLogLevel(t *testing.T) {
	t.Setenv("APLVM_LOG_LEVEL", "WARN")
	cfg := FromEnv()
	if cfg.Level != "warn" {
		t.Errorf("expected lowercased level 'warn', got %q", cfg.Level)
	}
}

func TestNewJSONHandlerEmitsValidJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("hello", "key", "value")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got error: %v", err)
	}
	if decoded["msg"] != "hello" {
		t.Errorf("expected msg 'hello', got %v", decoded["msg"])
	}
}

func TestParseLevelTrace(t *testing.T) {
	if got := parseLevel("trace"); got != LevelTrace {
		t.Errorf("expected LevelTrace, got %v", got)
	}
}

func TestWithRunContextAddsRunID(t *testing.T) {
	var buf bytes.Buffer
	base := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger := WithRunContext(base, "run-123")
	logger.Info("started")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unexpected JSON error: %v", err)
	}
	if decoded[RunIDKey] != "run-123" {
		t.Errorf("expected run_id 'run-123', got %v", decoded[RunIDKey])
	}
}

func TestTraceSkippedBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	Trace(logger, "should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output at debug level for a trace-level call, got %q", buf.String())
	}
}

func TestTraceEmittedAtTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	Trace(logger, "visible", slog.String("k", "v"))
	if buf.Len() == 0 {
		t.Errorf("expected output at trace level")
	}
}
