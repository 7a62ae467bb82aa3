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

package shared

import (
	"errors"
	"fmt"
	"os"

	"github.com/tombee/aplvm/pkg/aplerr"
)

// Exit codes for aplvm's subcommands, per §6 EXTERNAL INTERFACES: run
// is 0/1 (2 for a malformed --input), replay is 0 (no diffs) or 2 (checksum mismatch), undo is 0/1,
// validate is 0 (valid) / 1 (invalid) / 2 (usage error).
const (
	ExitSuccess       = 0
	ExitFailed        = 1
	ExitUsage         = 2
	ExitChecksumDiff  = 2
	ExitInvalidPlan   = 1
)

// ExitError is an error that carries a process exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// NewExitError wraps err as an ExitError carrying code, with msg as
// the user-facing summary.
func NewExitError(code int, msg string, err error) *ExitError {
	return &ExitError{Code: code, Message: msg, Cause: err}
}

// HandleExitError prints err (if any) to stderr and exits with its
// carried code, or with ExitFailed for any other non-nil error. A
// *aplerr.Kinder error that isn't already an ExitError has its Kind
// printed alongside the message, per §7: "Runtime failures print the
// opcode, the offending operands, and the error kind."
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if msg := exitErr.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, "Error:", msg)
		}
		os.Exit(exitErr.Code)
	}

	if kind, ok := aplerr.KindOf(err); ok {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", kind, err)
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(ExitFailed)
}
