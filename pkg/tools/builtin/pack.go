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

package builtin

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tombee/aplvm/pkg/toolctx"
)

// fixedZipTime is the epoch every archive entry is stamped with
// (§4.5 DETERMINISM MEASURES), so two zips of identical content are
// byte-identical regardless of wall-clock time.
var fixedZipTime = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

// ZipDir archives in/arg "source_dir" into in/arg "output_path",
// deflate-compressed, entries in sorted relative-path order with
// fixed timestamps, and no directory entries.
func ZipDir(ctx context.Context, in map[string]any, args map[string]any) (map[string]any, error) {
	sourceDir, ok := stringField(in, args, "source_dir")
	if !ok {
		return nil, fmt.Errorf("zip_dir: missing \"source_dir\"")
	}
	outputPath, ok := stringField(in, args, "output_path")
	if !ok {
		return nil, fmt.Errorf("zip_dir: missing \"output_path\"")
	}
	h := toolctx.From(ctx)
	if h == nil {
		return nil, fmt.Errorf("zip_dir: no sandbox context")
	}

	srcResolved, err := h.Guard.Resolve(sourceDir)
	if err != nil {
		return nil, err
	}

	var relPaths []string
	if err := filepath.WalkDir(srcResolved, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcResolved, path)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, filepath.ToSlash(rel))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("zip_dir: walk %s: %w", sourceDir, err)
	}
	sort.Strings(relPaths)

	var buf []byte
	{
		w := new(bytes.Buffer)
		zw := zip.NewWriter(w)
		for _, rel := range relPaths {
			data, err := os.ReadFile(filepath.Join(srcResolved, filepath.FromSlash(rel)))
			if err != nil {
				return nil, fmt.Errorf("zip_dir: read %s: %w", rel, err)
			}
			fh := &zip.FileHeader{Name: rel, Method: zip.Deflate}
			fh.Modified = fixedZipTime
			fw, err := zw.CreateHeader(fh)
			if err != nil {
				return nil, fmt.Errorf("zip_dir: add %s: %w", rel, err)
			}
			if _, err := fw.Write(data); err != nil {
				return nil, fmt.Errorf("zip_dir: write %s: %w", rel, err)
			}
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("zip_dir: finalize archive: %w", err)
		}
		buf = w.Bytes()
	}

	resolved, _, err := h.WriteFile(outputPath, buf, 0o644)
	if err != nil {
		return nil, fmt.Errorf("zip_dir: %w", err)
	}
	return map[string]any{"output_path": resolved}, nil
}
