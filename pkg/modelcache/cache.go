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

// Package modelcache is the content-addressed cache of non-deterministic
// tool outputs (§4.4): every call is keyed by a SHA-256 over the
// model id and the call's canonically-serialized inputs, so the same
// call made twice — in the same run or a replayed one — resolves to
// the same recorded outputs.
package modelcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tombee/aplvm/pkg/bytecode"
)

// Tokens is the token-accounting sub-object of a cache entry.
type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Entry is one immutable cache record. Cost and emissions fields are
// auxiliary metadata per §4.4 — "not consulted for correctness."
type Entry struct {
	CacheKey  string         `json:"cache_key"`
	Timestamp string         `json:"timestamp"`
	Model     string         `json:"model"`
	Inputs    map[string]any `json:"inputs"`
	Outputs   map[string]any `json:"outputs"`
	Tokens    Tokens         `json:"tokens"`
	LatencyMS int64          `json:"latency_ms"`
	CostUSD   float64        `json:"cost_usd"`
	CO2Grams  float64        `json:"co2_grams"`
}

// Key computes the cache key for a (modelID, inputs) call: the hex
// SHA-256 of "model_id:" followed by inputs' canonical JSON encoding
// (sorted keys, compact separators, UTF-8), per §4.4 KEYING.
func Key(modelID string, inputs map[string]any) (string, error) {
	canon, err := bytecode.Canonical(inputs)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache inputs: %w", err)
	}
	sum := sha256.Sum256(append([]byte(modelID+":"), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// Cache is a directory of JSON entry files, sharded two hex characters
// deep so no single directory accumulates every entry.
type Cache struct {
	mu   sync.Mutex
	root string
}

// Open returns a Cache rooted at dir, creating it if necessary.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model cache dir: %w", err)
	}
	return &Cache{root: dir}, nil
}

func (c *Cache) path(key string) string {
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(c.root, shard, key+".json")
}

// Get reads a cache entry by key. ok is false on a miss.
func (c *Cache) Get(key string) (entry *Entry, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("parse cache entry %s: %w", key, err)
	}
	return &e, true, nil
}

// Put writes e, creating or overwriting the file at its cache key.
func (c *Cache) Put(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	path := c.path(e.CacheKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache shard dir: %w", err)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}
