// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project resolves project names and the on-disk layout of a
// staged project.
//
// A project lives at {SourcesRoot}/{name}/ and looks like:
//
//	{name}/
//	├── Cargo.toml            manifest
//	├── .cargo/config.toml    target configuration
//	├── src/lib.rs            reconstructed compilation unit
//	├── items.json            fragment store (json backend)
//	├── items.badger/         fragment store (badger backend)
//	└── state.json            lifecycle state
package project

import (
	"path/filepath"
	"strings"
)

// Default layout values.
const (
	DefaultSourcesRoot  = "kernel_sources"
	DefaultSuffix       = "kernel"
	SourceDirName       = "src"
	UnitFileName        = "lib.rs"
	BuildConfigDirName  = ".cargo"
	TargetConfigName    = "config.toml"
	ManifestName        = "Cargo.toml"
	StoreFileName       = "items.json"
	StoreDirName        = "items.badger"
	StateFileName       = "state.json"
	DefaultOutputRoot   = "target"
	DefaultTargetTriple = "amdgcn-amd-amdhsa"
	DefaultBinaryName   = "kernels.elf"
	releaseDirName      = "release"
)

// Name computes the logical project name from a discriminator.
//
// Returns "{discriminator}_{suffix}" when the trimmed discriminator is
// non-empty, otherwise just suffix.
func Name(discriminator, suffix string) string {
	trimmed := strings.TrimSpace(discriminator)
	if trimmed == "" {
		return suffix
	}
	return trimmed + "_" + suffix
}

// ArtifactLayout describes where the toolchain puts its output.
type ArtifactLayout struct {
	OutputRoot   string
	TargetTriple string
	BinaryName   string
}

// DefaultArtifactLayout returns the cargo/amdgcn layout.
func DefaultArtifactLayout() ArtifactLayout {
	return ArtifactLayout{
		OutputRoot:   DefaultOutputRoot,
		TargetTriple: DefaultTargetTriple,
		BinaryName:   DefaultBinaryName,
	}
}

// Layout computes every path belonging to one project.
//
// Layout is a value type with no I/O; it is safe to copy and share.
type Layout struct {
	Root     string
	Name     string
	Artifact ArtifactLayout
}

// NewLayout returns the layout of project name under sourcesRoot.
//
// An empty sourcesRoot means DefaultSourcesRoot. Zero-valued artifact
// fields fall back to DefaultArtifactLayout.
func NewLayout(sourcesRoot, name string, artifact ArtifactLayout) Layout {
	if sourcesRoot == "" {
		sourcesRoot = DefaultSourcesRoot
	}
	def := DefaultArtifactLayout()
	if artifact.OutputRoot == "" {
		artifact.OutputRoot = def.OutputRoot
	}
	if artifact.TargetTriple == "" {
		artifact.TargetTriple = def.TargetTriple
	}
	if artifact.BinaryName == "" {
		artifact.BinaryName = def.BinaryName
	}
	return Layout{Root: sourcesRoot, Name: name, Artifact: artifact}
}

// Dir is the project directory.
func (l Layout) Dir() string { return filepath.Join(l.Root, l.Name) }

// SourceDir holds the reconstructed unit.
func (l Layout) SourceDir() string { return filepath.Join(l.Dir(), SourceDirName) }

// UnitPath is the reconstructed compilation unit.
func (l Layout) UnitPath() string { return filepath.Join(l.SourceDir(), UnitFileName) }

// BuildConfigDir holds the target configuration.
func (l Layout) BuildConfigDir() string { return filepath.Join(l.Dir(), BuildConfigDirName) }

// TargetConfigPath is the toolchain target configuration file.
func (l Layout) TargetConfigPath() string {
	return filepath.Join(l.BuildConfigDir(), TargetConfigName)
}

// ManifestPath is the toolchain package manifest.
func (l Layout) ManifestPath() string { return filepath.Join(l.Dir(), ManifestName) }

// StoreFilePath is the JSON fragment store.
func (l Layout) StoreFilePath() string { return filepath.Join(l.Dir(), StoreFileName) }

// StoreDirPath is the badger fragment store directory.
func (l Layout) StoreDirPath() string { return filepath.Join(l.Dir(), StoreDirName) }

// StatePath is the persisted lifecycle state.
func (l Layout) StatePath() string { return filepath.Join(l.Dir(), StateFileName) }

// ArtifactPath is where the toolchain writes the binary:
// {dir}/{output_root}/{target_triple}/release/{binary_name}.
func (l Layout) ArtifactPath() string {
	return filepath.Join(l.Dir(), l.Artifact.OutputRoot, l.Artifact.TargetTriple, releaseDirName, l.Artifact.BinaryName)
}
