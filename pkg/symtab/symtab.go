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

// Package symtab assigns stable register slots to a plan's variable
// names. Slots are an arena indexed by first-encounter order: the
// first distinct root name seen during a left-to-right walk of a
// plan's steps gets S0, the next distinct name gets S1, and so on.
// Field accesses ("$model.coef") share their root's slot; the field
// path is resolved at read time by pkg/value, not by the symtab.
package symtab

import (
	"strconv"
	"strings"
)

// Table maps variable root names to stable slot names, in
// first-encounter order.
type Table struct {
	order []string
	index map[string]int
}

// New returns an empty symbol table.
func New() *Table {
	return &Table{index: make(map[string]int)}
}

// Root strips a leading "$" and any trailing ".field" path, returning
// the bare variable name a slot is allocated for.
func Root(ref string) string {
	name := strings.TrimPrefix(ref, "$")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name
}

// Slot returns the stable slot name for ref's root, allocating a new
// one on first sight.
func (t *Table) Slot(ref string) string {
	name := Root(ref)
	if idx, ok := t.index[name]; ok {
		return slotName(idx)
	}
	idx := len(t.order)
	t.index[name] = idx
	t.order = append(t.order, name)
	return slotName(idx)
}

// Lookup returns the slot already allocated for ref's root without
// allocating, reporting false if the root hasn't been seen.
func (t *Table) Lookup(ref string) (string, bool) {
	idx, ok := t.index[Root(ref)]
	if !ok {
		return "", false
	}
	return slotName(idx), true
}

// Slots returns the name->slot-id map for every variable root
// allocated so far. This is the envelope's Slots field (§3 DATA
// MODEL: "slots (name→slot map)").
func (t *Table) Slots() map[string]string {
	out := make(map[string]string, len(t.order))
	for name, idx := range t.index {
		out[name] = slotName(idx)
	}
	return out
}

// Order returns the variable root names in first-encounter order.
func (t *Table) Order() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func slotName(idx int) string {
	return "S" + strconv.Itoa(idx)
}

// IsRef reports whether s looks like a variable reference ("$name" or
// "$name.field") as opposed to a literal value.
func IsRef(s string) bool {
	return strings.HasPrefix(s, "$") && len(s) > 1
}

// FieldPath returns the ".field" suffix of a reference, or "" if the
// reference names a bare slot.
func FieldPath(ref string) string {
	name := strings.TrimPrefix(ref, "$")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return ""
}
