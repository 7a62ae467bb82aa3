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

package policy

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryMirror is an optional append-only audit trail of every grant
// decision ever made, independent of the current-state JSON Store.
// Selected with the config's policy_backend: sqlite (or
// APLVM_POLICY_BACKEND=sqlite); the JSON Store remains the
// source of truth for "is this capability granted right now".
type HistoryMirror struct {
	db *sql.DB
}

// OpenHistoryMirror opens (creating if needed) a sqlite database at
// path and ensures its schema exists.
func OpenHistoryMirror(path string) (*HistoryMirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open policy history db: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS grant_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	app_id TEXT NOT NULL,
	capability TEXT NOT NULL,
	mode TEXT NOT NULL,
	decided_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_grant_history_app ON grant_history(app_id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init policy history schema: %w", err)
	}
	return &HistoryMirror{db: db}, nil
}

// Record appends one grant decision to the history table. Store
// records "persistent" from GrantPersistent and "revoked" from Revoke.
func (h *HistoryMirror) Record(appID, capability string, mode Mode) error {
	_, err := h.db.Exec(
		`INSERT INTO grant_history (app_id, capability, mode, decided_at) VALUES (?, ?, ?, ?)`,
		appID, capability, string(mode), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record grant history: %w", err)
	}
	return nil
}

// History returns every recorded decision for appID, oldest first.
func (h *HistoryMirror) History(appID string) ([]Grant, error) {
	rows, err := h.db.Query(
		`SELECT capability, mode, decided_at FROM grant_history WHERE app_id = ? ORDER BY id ASC`,
		appID,
	)
	if err != nil {
		return nil, fmt.Errorf("query grant history: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.Capability, &g.Mode, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant history row: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (h *HistoryMirror) Close() error { return h.db.Close() }
