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

package modelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tombee/aplvm/pkg/aplerr"
)

// Mode selects a Gate's behavior on a cache miss, per §4.4 REPLAY GATE.
type Mode string

const (
	// Normal mode invokes the backend on a miss and records the result.
	Normal Mode = "normal"
	// Replay mode treats any miss as fatal: a replayed run must only
	// ever touch calls that were already recorded.
	Replay Mode = "replay"
)

// Backend performs the actual (non-deterministic) model call. meta
// carries the auxiliary accounting fields a cache entry records
// alongside the call's outputs.
type Backend func(ctx context.Context, model string, inputs map[string]any) (outputs map[string]any, meta Meta, err error)

// Meta is the auxiliary metadata a Backend reports for a call, copied
// verbatim into the cache entry it produces.
type Meta struct {
	Tokens   Tokens
	CostUSD  float64
	CO2Grams float64
}

// sideEntry is one line of the recording side-log: the call as made,
// independent of whether it was a cache hit or miss, in call order.
type sideEntry struct {
	Model   string         `json:"model"`
	Inputs  map[string]any `json:"inputs"`
	Outputs map[string]any `json:"outputs"`
}

// Gate mediates every model call through the cache, per §4.4: "a model
// call is never re-issued for inputs already seen; the VM either
// serves the cached outputs or, in Replay mode, fails fast."
type Gate struct {
	cache *Cache
	mode  Mode

	mu   sync.Mutex
	side []sideEntry
}

// NewGate returns a Gate backed by cache in the given mode.
func NewGate(cache *Cache, mode Mode) *Gate {
	return &Gate{cache: cache, mode: mode}
}

// Call resolves a model invocation: a cache hit returns the recorded
// outputs without touching backend. A miss in Normal mode invokes
// backend and persists the result; a miss in Replay mode returns an
// *aplerr.ReplayMissError without ever invoking backend.
func (g *Gate) Call(ctx context.Context, model string, inputs map[string]any, backend Backend) (map[string]any, error) {
	key, err := Key(model, inputs)
	if err != nil {
		return nil, fmt.Errorf("compute cache key: %w", err)
	}

	if entry, ok, err := g.cache.Get(key); err != nil {
		return nil, err
	} else if ok {
		g.record(model, inputs, entry.Outputs)
		return entry.Outputs, nil
	}

	if g.mode == Replay {
		prefix := key
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		return nil, &aplerr.ReplayMissError{Model: model, KeyPrefix: prefix}
	}

	start := time.Now()
	outputs, meta, err := backend(ctx, model, inputs)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		CacheKey:  key,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Model:     model,
		Inputs:    inputs,
		Outputs:   outputs,
		Tokens:    meta.Tokens,
		LatencyMS: time.Since(start).Milliseconds(),
		CostUSD:   meta.CostUSD,
		CO2Grams:  meta.CO2Grams,
	}
	if err := g.cache.Put(entry); err != nil {
		return nil, err
	}
	g.record(model, inputs, outputs)
	return outputs, nil
}

func (g *Gate) record(model string, inputs, outputs map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.side = append(g.side, sideEntry{Model: model, Inputs: inputs, Outputs: outputs})
}

// WriteSideLog persists the call-order log of every (model, inputs,
// outputs) triple resolved through this Gate so far, as a JSON array.
// A ReplayEngine preloads this log's order to detect extra or missing
// model calls between the original and replayed runs.
func (g *Gate) WriteSideLog(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, err := json.MarshalIndent(g.side, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model call log: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write model call log: %w", err)
	}
	return nil
}

// Calls returns the recorded call log in order, for tests and for a
// ReplayEngine comparing an original run's call sequence to a replay's.
func (g *Gate) Calls() []sideEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]sideEntry, len(g.side))
	copy(out, g.side)
	return out
}
