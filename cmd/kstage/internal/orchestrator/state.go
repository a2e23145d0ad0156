// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// State is the lifecycle position of a project.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateContributing  State = "contributing"
	StateFinalized     State = "finalized"
)

// Status is the persisted lifecycle record of a project (state.json).
//
// It is informational. No operation is refused because of it.
type Status struct {
	State        State     `json:"state"`
	UpdatedAt    time.Time `json:"updated_at"`
	Arch         string    `json:"arch,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	CycleID      string    `json:"cycle_id,omitempty"`
	SourceHash   string    `json:"source_hash,omitempty"`
	Fragments    int       `json:"fragments,omitempty"`
}

// loadStatus reads state.json. A missing or unreadable record yields
// StateUninitialized.
func loadStatus(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Status{State: StateUninitialized}, nil
	}
	if err != nil {
		return Status{State: StateUninitialized}, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil || st.State == "" {
		return Status{State: StateUninitialized}, fmt.Errorf("parsing %s: invalid lifecycle record", path)
	}
	return st, nil
}

// saveStatus writes state.json through a temp file and rename.
func saveStatus(path string, st Status) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
