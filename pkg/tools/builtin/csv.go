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

// Package builtin provides the registry- and typed-opcode-backed
// reference pipeline (read/profile/split/train/eval/report/package),
// the one named in the end-to-end scenarios. Tool output quality
// (model accuracy, report formatting) is explicitly out of scope;
// these implementations exist to exercise the compiler and VM, not to
// be competitive machine learning code.
package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/tombee/aplvm/pkg/toolctx"
	"github.com/tombee/aplvm/pkg/value"
)

// LoadCSV reads a CSV file (in/arg "path") into a *value.Table. The
// first row is the header; every other cell is parsed as float64 when
// possible, else kept as a string, else nil for an empty cell.
func LoadCSV(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	path, ok := stringField(in, args, "path")
	if !ok {
		return nil, fmt.Errorf("load_csv: missing \"path\" input")
	}
	h := toolctx.From(ctx)
	if h == nil {
		return nil, fmt.Errorf("load_csv: no sandbox context")
	}
	data, err := h.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(string(data)))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("load_csv: parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("load_csv: %s has no rows", path)
	}
	header := records[0]
	rows := make([][]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]any, len(header))
		for i := range header {
			if i >= len(rec) || rec[i] == "" {
				row[i] = nil
				continue
			}
			if f, err := strconv.ParseFloat(rec[i], 64); err == nil {
				row[i] = f
			} else {
				row[i] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return map[string]any{"table": &value.Table{Header: header, Rows: rows}}, nil
}

// ProfileSchema summarizes a table's columns: inferred dtype and
// missing-value fraction per column.
func ProfileSchema(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	t, err := tableField(in, "table")
	if err != nil {
		return nil, fmt.Errorf("profile_schema: %w", err)
	}
	cols := make([]value.Column, len(t.Header))
	for i, name := range t.Header {
		numeric, missing := 0, 0
		for _, row := range t.Rows {
			v := row[i]
			switch v.(type) {
			case nil:
				missing++
			case float64:
				numeric++
			}
		}
		dtype := "string"
		if len(t.Rows) > 0 && numeric == len(t.Rows)-missing && numeric > 0 {
			dtype = "float"
		}
		frac := 0.0
		if len(t.Rows) > 0 {
			frac = float64(missing) / float64(len(t.Rows))
		}
		cols[i] = value.Column{Name: name, Dtype: dtype, Missing: round12(frac)}
	}
	return map[string]any{"schema": &value.Schema{Rows: len(t.Rows), Cols: cols}}, nil
}

// SplitDeterministic partitions table's rows into train/val sets using
// a hash of (row_index, seed) rather than a PRNG, so the split is
// independent of iteration order and reproducible across platforms.
// ratio=1.0 places every row in train and ratio=0.0 places every row
// in val with no rebalancing; for any ratio strictly between the two,
// the split guarantees at least one validation row once there are at
// least two rows total.
func SplitDeterministic(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	t, err := tableField(in, "table")
	if err != nil {
		return nil, fmt.Errorf("split_deterministic: %w", err)
	}
	ratio, ok := numField(args, "ratio")
	if !ok {
		return nil, fmt.Errorf("split_deterministic: missing numeric \"ratio\" arg")
	}
	seed, _ := numField(args, "seed")

	var trainRows, valRows [][]any
	for i, row := range t.Rows {
		if splitHash(i, int64(seed)) < ratio {
			trainRows = append(trainRows, row)
		} else {
			valRows = append(valRows, row)
		}
	}
	if ratio > 0 && ratio < 1 && len(t.Rows) >= 2 && len(valRows) == 0 {
		valRows = append(valRows, trainRows[len(trainRows)-1])
		trainRows = trainRows[:len(trainRows)-1]
	}
	return map[string]any{
		"train": &value.Table{Header: t.Header, Rows: trainRows},
		"val":   &value.Table{Header: t.Header, Rows: valRows},
	}, nil
}

// splitHash maps (rowIndex, seed) to a value in [0, 1), deterministic
// across platforms and independent of map/slice iteration order.
func splitHash(rowIndex int, seed int64) float64 {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(rowIndex))
	binary.BigEndian.PutUint64(buf[8:], uint64(seed))
	sum := sha256.Sum256(buf)
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n) / float64(^uint64(0))
}

func round12(f float64) float64 {
	const p = 1e12
	return float64(int64(f*p+sign(f)*0.5)) / p
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

func stringField(in, args map[string]any, name string) (string, bool) {
	if v, ok := in[name]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	if v, ok := args[name]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

func numField(m map[string]any, name string) (float64, bool) {
	v, ok := m[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func tableField(in map[string]any, name string) (*value.Table, error) {
	v, ok := in[name]
	if !ok {
		return nil, fmt.Errorf("missing %q input", name)
	}
	t, ok := v.(*value.Table)
	if !ok {
		return nil, fmt.Errorf("%q input is not a table (got %T)", name, v)
	}
	return t, nil
}
