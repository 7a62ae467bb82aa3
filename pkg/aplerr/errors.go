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

// Package aplerr defines the typed error kinds raised by the compiler,
// VM, and replay pipeline. Every kind carries enough context to print
// the operator-facing diagnostics described by the error handling design:
// schema pointer for compile errors, opcode and operands for runtime
// errors.
package aplerr

import (
	"errors"
	"fmt"
)

// Kind names one of the fixed error categories a caller can switch on
// without a type assertion.
type Kind string

const (
	KindSchemaViolation    Kind = "SchemaViolation"
	KindLowerError         Kind = "LowerError"
	KindUnknownOpcode      Kind = "UnknownOpcode"
	KindUnknownTool        Kind = "UnknownTool"
	KindMissingInput       Kind = "MissingInput"
	KindPermissionDenied   Kind = "PermissionDenied"
	KindQuotaExceeded      Kind = "QuotaExceeded"
	KindGuardFailed        Kind = "GuardFailed"
	KindToolFailure        Kind = "ToolFailure"
	KindReplayMiss         Kind = "ReplayMiss"
	KindChecksumMismatch   Kind = "ChecksumMismatch"
)

// SchemaViolationError reports a plan that failed JSON-schema validation.
type SchemaViolationError struct {
	Pointer string // JSON pointer of the first failing location
	Message string
}

func (e *SchemaViolationError) Kind() Kind { return KindSchemaViolation }
func (e *SchemaViolationError) Error() string {
	loc := e.Pointer
	if loc == "" {
		loc = "<root>"
	}
	return fmt.Sprintf("plan failed schema validation at %s: %s", loc, e.Message)
}

// LowerError reports a failure while lowering a validated plan to bytecode:
// unknown op, malformed guard, unresolved reference, missing required input.
type LowerError struct {
	StepID  string
	Reason  string
}

func (e *LowerError) Kind() Kind { return KindLowerError }
func (e *LowerError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("lower error at step %q: %s", e.StepID, e.Reason)
	}
	return fmt.Sprintf("lower error: %s", e.Reason)
}

// UnknownOpcodeError reports an instruction whose tag the VM does not
// recognize as either a typed opcode or CALL_TOOL.
type UnknownOpcodeError struct {
	Opcode string
	PC     int
}

func (e *UnknownOpcodeError) Kind() Kind { return KindUnknownOpcode }
func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("pc=%d: unknown opcode %q", e.PC, e.Opcode)
}

// UnknownToolError reports a CALL_TOOL naming a tool absent from the registry.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Kind() Kind { return KindUnknownTool }
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Tool)
}

// MissingInputError reports a slot reference that has not been written.
type MissingInputError struct {
	Slot string
}

func (e *MissingInputError) Kind() Kind { return KindMissingInput }
func (e *MissingInputError) Error() string {
	return fmt.Sprintf("slot %s has not been written", e.Slot)
}

// PermissionDeniedError reports a sandbox escape or a denied capability.
type PermissionDeniedError struct {
	Capability string // set for capability denials
	Path       string // set for sandbox escapes
	Reason     string
}

func (e *PermissionDeniedError) Kind() Kind { return KindPermissionDenied }
func (e *PermissionDeniedError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("path escapes sandbox: %s (%s)", e.Path, e.Reason)
	case e.Capability != "":
		return fmt.Sprintf("capability %s not granted: %s", e.Capability, e.Reason)
	default:
		return fmt.Sprintf("permission denied: %s", e.Reason)
	}
}

// QuotaExceededError reports a charge that pushed a metric past its limit.
type QuotaExceededError struct {
	Metric string
	Usage  int64
	Limit  int64
}

func (e *QuotaExceededError) Kind() Kind { return KindQuotaExceeded }
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (%d/%d)", e.Metric, e.Usage, e.Limit)
}

// GuardFailedError reports an ASSERT_GE condition violation.
type GuardFailedError struct {
	Field     string
	Value     float64
	Threshold float64
}

func (e *GuardFailedError) Kind() Kind { return KindGuardFailed }
func (e *GuardFailedError) Error() string {
	return fmt.Sprintf("guard failed: %s=%.4f < %.4f", e.Field, e.Value, e.Threshold)
}

// ToolFailureError wraps an error raised by a tool invocation.
type ToolFailureError struct {
	Tool  string
	Cause error
}

func (e *ToolFailureError) Kind() Kind  { return KindToolFailure }
func (e *ToolFailureError) Unwrap() error { return e.Cause }
func (e *ToolFailureError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Cause)
}

// ReplayMissError reports a cache miss while ReplayGate is in Replay state.
type ReplayMissError struct {
	Model     string
	KeyPrefix string
}

func (e *ReplayMissError) Kind() Kind { return KindReplayMiss }
func (e *ReplayMissError) Error() string {
	return fmt.Sprintf("replay miss: model %s, cache key %s...", e.Model, e.KeyPrefix)
}

// ChecksumMismatchError reports a non-empty diff from a replay run.
// It is non-fatal to the replay process but is reported to the operator.
type ChecksumMismatchError struct {
	Diffs []Diff
}

// Diff describes one checksum discrepancy between an original manifest
// and a replayed run's recomputed checksums.
type Diff struct {
	Path     string
	Kind     string // "missing-now" | "hash-mismatch"
	Expected string
	Observed string
}

func (e *ChecksumMismatchError) Kind() Kind { return KindChecksumMismatch }
func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%d checksum diff(s) found during replay", len(e.Diffs))
}

// Kinder is implemented by every error type in this package.
type Kinder interface {
	Kind() Kind
	error
}

// KindOf walks err's Unwrap chain for the first error implementing
// Kinder, so a caller can recover the original kind even after a tool
// or a sandbox helper has wrapped it with fmt.Errorf("...: %w", err).
func KindOf(err error) (Kind, bool) {
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind(), true
	}
	return "", false
}

// Wrap annotates err with a message, preserving it for errors.Is/As
// and KindOf the way fmt.Errorf("%w") does; it exists so call sites
// that only import aplerr don't also need fmt for this one pattern.
func Wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Is and As re-export the stdlib errors package so callers that
// already import aplerr for its typed errors don't need a second
// import just to walk an error chain.
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
