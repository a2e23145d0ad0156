// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scaffold materializes the on-disk skeleton of a staged project.
//
// Initialize writes the toolchain manifest and target configuration from
// fixed templates. The only variation allowed is the target architecture
// token in the target configuration.
//
// # Failure Model
//
// Every filesystem error is returned as a *ScaffoldError and is fatal to
// the calling invocation. Nothing is retried.
package scaffold

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/project"
)

//go:embed templates/Cargo.toml
var manifestTemplate string

//go:embed templates/config.toml
var targetConfigTemplate string

// DefaultArch is the architecture token present in the target
// configuration template.
const DefaultArch = "gfx1103"

var defaultArchPattern = regexp.MustCompile(regexp.QuoteMeta(DefaultArch))

// ErrScaffold is matched by every *ScaffoldError.
var ErrScaffold = errors.New("scaffolding failed")

// ScaffoldError reports a filesystem failure while scaffolding.
type ScaffoldError struct {
	Op   string // mkdir, write, remove
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ScaffoldError) Error() string {
	return fmt.Sprintf("scaffold %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ScaffoldError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrScaffold) match.
func (e *ScaffoldError) Is(target error) bool { return target == ErrScaffold }

// TargetConfig customizes the generated target configuration.
//
// # Fields
//
//   - Arch: Target architecture (e.g. "gfx90a"). Empty keeps DefaultArch.
type TargetConfig struct {
	Arch string
}

// Scaffolder creates and cleans project directories under one sources root.
//
// # Thread Safety
//
// Scaffolder holds no mutable state. Concurrent Initialize calls for the
// same project must be serialized by the project lock.
type Scaffolder struct {
	root     string
	artifact project.ArtifactLayout
}

// New returns a Scaffolder rooted at sourcesRoot.
func New(sourcesRoot string, artifact project.ArtifactLayout) *Scaffolder {
	return &Scaffolder{root: sourcesRoot, artifact: artifact}
}

// Layout returns the layout of the named project.
func (s *Scaffolder) Layout(name string) project.Layout {
	return project.NewLayout(s.root, name, s.artifact)
}

// Initialize creates the project skeleton.
//
// # Description
//
//  1. Cleanup stale unit and store files
//  2. Create src/ and .cargo/ (existing directories are fine)
//  3. Write .cargo/config.toml with the architecture substituted
//  4. Write Cargo.toml
//
// # Inputs
//
//   - name: Project name from project.Name. Must not be empty.
//   - target: Optional target customization. May be nil.
//
// # Outputs
//
//   - project.Layout: The initialized project's layout.
//   - error: *ScaffoldError on any filesystem failure.
func (s *Scaffolder) Initialize(name string, target *TargetConfig) (project.Layout, error) {
	layout := s.Layout(name)
	if strings.TrimSpace(name) == "" {
		return layout, &ScaffoldError{Op: "validate", Path: layout.Dir(), Err: errors.New("project name must not be empty")}
	}

	if err := s.Cleanup(name); err != nil {
		return layout, err
	}

	for _, dir := range []string{layout.SourceDir(), layout.BuildConfigDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return layout, &ScaffoldError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	arch := ""
	if target != nil {
		arch = target.Arch
	}
	if err := writeFile(layout.TargetConfigPath(), RenderTargetConfig(arch)); err != nil {
		return layout, err
	}
	if err := writeFile(layout.ManifestPath(), manifestTemplate); err != nil {
		return layout, err
	}
	return layout, nil
}

// Cleanup removes the reconstructed unit and any fragment store.
//
// Absent files are not an error. Both store forms are removed so that a
// backend switch never resurrects old fragments.
func (s *Scaffolder) Cleanup(name string) error {
	layout := s.Layout(name)

	for _, path := range []string{layout.UnitPath(), layout.StoreFilePath()} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &ScaffoldError{Op: "remove", Path: path, Err: err}
		}
	}
	if err := os.RemoveAll(layout.StoreDirPath()); err != nil {
		return &ScaffoldError{Op: "remove", Path: layout.StoreDirPath(), Err: err}
	}
	return nil
}

// RenderTargetConfig returns the target configuration for arch.
//
// When arch is non-empty and differs from DefaultArch, the first
// occurrence of DefaultArch in the template is replaced.
func RenderTargetConfig(arch string) string {
	arch = strings.TrimSpace(arch)
	if arch == "" || arch == DefaultArch {
		return targetConfigTemplate
	}
	loc := defaultArchPattern.FindStringIndex(targetConfigTemplate)
	if loc == nil {
		return targetConfigTemplate
	}
	return targetConfigTemplate[:loc[0]] + arch + targetConfigTemplate[loc[1]:]
}

// ManifestTemplate returns the fixed toolchain manifest.
func ManifestTemplate() string { return manifestTemplate }

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return &ScaffoldError{Op: "write", Path: path, Err: err}
	}
	return nil
}
