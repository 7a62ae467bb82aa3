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

// Package undo reverses the most recent run recorded in a tx log: it
// walks every path that run's instructions reported as newly created,
// in reverse order, and removes it (§4.8 UNDO).
package undo

import (
	"fmt"
	"os"

	"github.com/tombee/aplvm/pkg/txlog"
)

// Result reports what Undo did.
type Result struct {
	RunID   string
	Removed []string
	Skipped []string // paths that no longer existed; not an error
}

// Undo finds the most recently started run in the tx log at logPath
// and removes every path that run's effects marked Created == true,
// in reverse creation order, so a later write that depended on an
// earlier directory's existence is undone before the directory itself.
// A file is removed unconditionally; a directory is removed only if it
// is empty, so Undo never deletes output the run didn't itself
// produce. A path that no longer exists is recorded as skipped, not an
// error: partial cleanup (e.g. an operator already removed the file)
// is not a failure of Undo.
func Undo(logPath string) (*Result, error) {
	entries, err := txlog.ReadAll(logPath)
	if err != nil {
		return nil, fmt.Errorf("undo: read tx log: %w", err)
	}

	runID := lastRunID(entries)
	if runID == "" {
		return &Result{}, nil
	}

	paths := createdPaths(entries, runID)
	reverse(paths)

	res := &Result{RunID: runID}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				res.Skipped = append(res.Skipped, p)
				continue
			}
			return res, fmt.Errorf("undo: stat %s: %w", p, err)
		}
		if info.IsDir() {
			removed, err := removeIfEmptyDir(p)
			if err != nil {
				return res, fmt.Errorf("undo: remove dir %s: %w", p, err)
			}
			if removed {
				res.Removed = append(res.Removed, p)
			} else {
				res.Skipped = append(res.Skipped, p)
			}
			continue
		}
		if err := os.Remove(p); err != nil {
			return res, fmt.Errorf("undo: remove file %s: %w", p, err)
		}
		res.Removed = append(res.Removed, p)
	}
	return res, nil
}

// lastRunID scans entries backward for the most recent RUN_START,
// reporting its run_id.
func lastRunID(entries []txlog.Entry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == txlog.RunStart {
			return entries[i].RunID
		}
	}
	return ""
}

// createdPaths collects, in log order, every path an EFFECT entry in
// runID's span reported as newly created. Detail["created_paths"]
// (written by the VM for instructions whose tool call produced more
// than one file) takes precedence over the single top-level Path
// field, which mirrors only the first created path for the common
// single-file case.
func createdPaths(entries []txlog.Entry, runID string) []string {
	var out []string
	for _, e := range entries {
		if e.RunID != runID || e.Type != txlog.Effect || !e.Created {
			continue
		}
		if raw, ok := e.Detail["created_paths"]; ok {
			if list, ok := raw.([]any); ok {
				for _, v := range list {
					if s, ok := v.(string); ok {
						out = append(out, s)
					}
				}
				continue
			}
		}
		if e.Path != "" {
			out = append(out, e.Path)
		}
	}
	return out
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// removeIfEmptyDir removes dir only if it contains no entries,
// reporting whether it actually removed it.
func removeIfEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	if len(entries) > 0 {
		return false, nil
	}
	if err := os.Remove(dir); err != nil {
		return false, err
	}
	return true, nil
}
