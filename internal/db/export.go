// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Export writes every run, oldest first and with host rows, as
// newline-delimited JSON compressed with zstd. It returns the number of
// runs written.
func Export(ctx context.Context, s Store, w io.Writer) (int, error) {
	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		return 0, err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	enc := json.NewEncoder(zw)
	n := 0
	for i := len(runs) - 1; i >= 0; i-- {
		full, err := s.GetRun(ctx, runs[i].ID)
		if err != nil {
			_ = zw.Close()
			return n, err
		}
		if err := enc.Encode(full); err != nil {
			_ = zw.Close()
			return n, fmt.Errorf("export run %s: %w", full.ID, err)
		}
		n++
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("export: %w", err)
	}
	return n, nil
}

// ReadExport decodes a stream produced by Export.
func ReadExport(r io.Reader) ([]RunRecord, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	defer zr.Close()
	dec := json.NewDecoder(zr)
	var runs []RunRecord
	for {
		var run RunRecord
		if err := dec.Decode(&run); err != nil {
			if errors.Is(err, io.EOF) {
				return runs, nil
			}
			return runs, fmt.Errorf("read export: %w", err)
		}
		runs = append(runs, run)
	}
}
