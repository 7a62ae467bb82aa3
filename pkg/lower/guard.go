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

package lower

import (
	"strconv"
	"strings"

	"github.com/tombee/aplvm/pkg/aplerr"
	"github.com/tombee/aplvm/pkg/symtab"
)

// guardExpr is the parsed form of a verify/cond expression: a dotted
// field path compared against a numeric threshold. Only ">=" and ">"
// are accepted operators; the compiler rejects "<", "<=", and "=="
// outright rather than lowering them to a trivially-true ASSERT_GE,
// which is what this system's prototype did.
type guardExpr struct {
	Slot      string
	Field     string
	Threshold float64
	Strict    bool // true for ">"
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokOp
	tokNumber
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

// lexGuard splits a guard expression into exactly three tokens: a
// field path, a comparison operator, and a numeric literal. There is
// no operator precedence or nesting to worry about, so a single
// linear scan suffices in place of a full expression grammar.
func lexGuard(expr string) []token {
	var toks []token
	i := 0
	n := len(expr)
	for i < n {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(expr[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, expr[i:j]})
			i = j
		case strings.ContainsRune("<>=!", rune(c)):
			j := i + 1
			if j < n && expr[j] == '=' {
				j++
			}
			toks = append(toks, token{tokOp, expr[i:j]})
			i = j
		case c == '-' || c == '.' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < n && (expr[j] == '.' || (expr[j] >= '0' && expr[j] <= '9')) {
				j++
			}
			toks = append(toks, token{tokNumber, expr[i:j]})
			i = j
		default:
			i++
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks
}

func isIdentStart(c byte) bool {
	return c == '$' || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '.' || (c >= '0' && c <= '9')
}

// parseGuard parses a guard expression of the form "<field> <op>
// <number>" and resolves its field's root through st, allocating a
// slot on first sight (the guard is itself a read, per §4.2). stepID
// is carried through only for error messages.
func parseGuard(st *symtab.Table, stepID, expr string) (*guardExpr, error) {
	toks := lexGuard(expr)
	if len(toks) != 4 || toks[3].kind != tokEOF {
		return nil, &aplerr.LowerError{StepID: stepID, Reason: "guard must be \"<field> <op> <number>\", got: " + expr}
	}
	fieldTok, opTok, numTok := toks[0], toks[1], toks[2]
	if fieldTok.kind != tokIdent {
		return nil, &aplerr.LowerError{StepID: stepID, Reason: "guard field must be an identifier: " + expr}
	}
	if opTok.kind != tokOp {
		return nil, &aplerr.LowerError{StepID: stepID, Reason: "guard missing comparison operator: " + expr}
	}
	if numTok.kind != tokNumber {
		return nil, &aplerr.LowerError{StepID: stepID, Reason: "guard threshold must be numeric: " + expr}
	}

	threshold, err := strconv.ParseFloat(numTok.text, 64)
	if err != nil {
		return nil, &aplerr.LowerError{StepID: stepID, Reason: "guard threshold is not a valid number: " + numTok.text}
	}

	if !strings.HasPrefix(fieldTok.text, "$") {
		return nil, &aplerr.LowerError{StepID: stepID, Reason: "guard field must be a \"$slot.field\" reference: " + expr}
	}
	slot := st.Slot(fieldTok.text)
	field := symtab.FieldPath(fieldTok.text)

	switch opTok.text {
	case ">=":
		return &guardExpr{Slot: slot, Field: field, Threshold: threshold, Strict: false}, nil
	case ">":
		return &guardExpr{Slot: slot, Field: field, Threshold: threshold, Strict: true}, nil
	case "<", "<=", "==", "!=":
		return nil, &aplerr.LowerError{
			StepID: stepID,
			Reason: "guard operator " + opTok.text + " is not supported; only >= and > lower to a runtime assertion",
		}
	default:
		return nil, &aplerr.LowerError{StepID: stepID, Reason: "unrecognized guard operator: " + opTok.text}
	}
}
