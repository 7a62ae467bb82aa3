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

// Package txlog writes the append-only effect log that brackets every
// VM run between a RUN_START and a RUN_END entry sharing a run_id.
// Undo replays this log backwards, reversing every entry with
// Created == true.
package txlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryType distinguishes the three kinds of line a log can contain.
type EntryType string

const (
	RunStart EntryType = "RUN_START"
	RunEnd   EntryType = "RUN_END"
	Effect   EntryType = "EFFECT"
)

// Entry is one JSONL line.
type Entry struct {
	RunID     string         `json:"run_id"`
	Seq       int            `json:"seq"`
	Type      EntryType      `json:"type"`
	Timestamp string         `json:"ts"`
	DryRun    bool           `json:"dry_run"`
	StepID    string         `json:"step_id,omitempty"`
	Op        string         `json:"op,omitempty"`
	Path      string         `json:"path,omitempty"`
	Created   bool           `json:"created,omitempty"`
	Status    string         `json:"status,omitempty"` // set on RUN_END: "ok" | "failed"
	Detail    map[string]any `json:"detail,omitempty"`
}

// Logger appends entries to a single JSONL file for one run.
type Logger struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	runID  string
	seq    int
	dryRun bool
}

// Open appends to (or creates) the log file at path but does not yet
// start a run; call Start to emit RUN_START and obtain a run_id.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tx log: %w", err)
	}
	return &Logger{f: f, enc: json.NewEncoder(f)}, nil
}

// Start writes the RUN_START entry and returns the newly generated
// run_id shared by every subsequent entry in this run. dryRun is
// stamped onto every entry in the bracketed span.
func (l *Logger) Start(dryRun bool) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runID = uuid.NewString()
	l.seq = 0
	l.dryRun = dryRun
	return l.runID, l.write(Entry{Type: RunStart})
}

// Effect records one reversible side effect.
func (l *Logger) Effect(stepID, op, path string, created bool, detail map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(Entry{
		Type:    Effect,
		StepID:  stepID,
		Op:      op,
		Path:    path,
		Created: created,
		Detail:  detail,
	})
}

// End writes the closing RUN_END entry with the given status ("ok" or
// "failed") and closes the underlying file.
func (l *Logger) End(status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.write(Entry{Type: RunEnd, Status: status}); err != nil {
		return err
	}
	return l.f.Close()
}

// RunID returns the run_id assigned by Start, or "" if Start has not
// been called yet.
func (l *Logger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

func (l *Logger) write(e Entry) error {
	e.RunID = l.runID
	e.Seq = l.seq
	e.DryRun = l.dryRun
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	l.seq++
	return l.enc.Encode(e)
}

// ReadAll reads every entry from a tx log file in order, for replay
// and undo to walk.
func ReadAll(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tx log: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var entries []Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}
