// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fragment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore persists a Set as one pretty-printed JSON object.
//
// # Description
//
// Keys are written in sorted order and HTML escaping is disabled so the
// file diffs cleanly. Writes go to a temp file in the same directory and
// are renamed over the target.
//
// # Thread Safety
//
// Not safe for concurrent read-modify-write; hold the project lock.
type FileStore struct {
	path string
}

// Compile-time interface verification.
var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the store file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads and decodes the store file.
//
// # Outputs
//
//   - Set: The decoded set. Empty, never nil, when the file is absent.
//   - error: *StoreCorruptionError when the file exists but is not a JSON
//     object of strings; *StoreError on read failure.
func (s *FileStore) Load(ctx context.Context) (Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Set{}, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "read", Path: s.path, Err: err}
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, &StoreCorruptionError{Path: s.path, Err: err}
	}
	if set == nil {
		return nil, &StoreCorruptionError{Path: s.path, Err: fmt.Errorf("expected object, got %q", bytes.TrimSpace(data))}
	}
	return set, nil
}

// Save encodes set and atomically replaces the store file.
func (s *FileStore) Save(ctx context.Context, set Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if set == nil {
		set = Set{}
	}

	data, err := encodeSet(set)
	if err != nil {
		return &StoreError{Op: "encode", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StoreError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return &StoreError{Op: "create_temp", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	cleanupTemp := true
	defer func() {
		if cleanupTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StoreError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StoreError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StoreError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return &StoreError{Op: "chmod", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return &StoreError{Op: "rename", Path: s.path, Err: err}
	}

	cleanupTemp = false
	return nil
}

// Remove deletes the store file. A missing file is not an error.
func (s *FileStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StoreError{Op: "remove", Path: s.path, Err: err}
	}
	return nil
}

// encodeSet renders set as indented JSON with sorted keys and a trailing
// newline.
func encodeSet(set Set) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]string(set)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
