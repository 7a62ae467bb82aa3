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

// The twelve typed opcodes plus CALL_TOOL, the generic dispatch used
// for any op the lowerer does not recognize as one of the twelve.
// Typed opcodes name the steps of the reference pipeline (read a CSV,
// profile it, split it, fit a line, evaluate it, gate on a metric,
// emit a report, build a CLI, zip a directory, verify the results).
// The VM executes LOAD_CONST and ASSERT_GE itself; every other typed
// opcode is dispatched to the registry tool that pkg/vm's
// typedToolNames maps it to, the same Spec a CALL_TOOL step reaches.
const (
	OpLoadConst          = "LOAD_CONST"
	OpReadCSV            = "READ_CSV"
	OpProfile            = "PROFILE"
	OpSplitDeterministic = "SPLIT_DETERMINISTIC"
	OpTrainLR            = "TRAIN_LR"
	OpEval               = "EVAL"
	OpAssertGE           = "ASSERT_GE"
	OpEmitReport         = "EMIT_REPORT"
	OpBuildCLI           = "BUILD_CLI"
	OpZipDir             = "ZIP_DIR"
	OpVerifyZip          = "VERIFY_ZIP"
	OpVerifyCLI          = "VERIFY_CLI"
	OpCallTool           = "CALL_TOOL"
)

// TypedOps is the set of ops with dedicated VM handling; anything else
// the lowerer sees is emitted as OpCallTool.
var TypedOps = map[string]bool{
	OpLoadConst:          true,
	OpReadCSV:            true,
	OpProfile:            true,
	OpSplitDeterministic: true,
	OpTrainLR:            true,
	OpEval:               true,
	OpAssertGE:           true,
	OpEmitReport:         true,
	OpBuildCLI:           true,
	OpZipDir:             true,
	OpVerifyZip:          true,
	OpVerifyCLI:          true,
}
