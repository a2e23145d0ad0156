// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builder invokes the external cross-compilation toolchain.
//
// The toolchain is a separate process run with its working directory at
// the project root. Nothing is compiled in-process and nothing is retried.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/sumdb/dirhash"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/project"
)

// DefaultCommand is the toolchain command line used when none is configured.
var DefaultCommand = []string{"cargo", "build", "--release"}

// Config controls toolchain invocation.
//
// # Fields
//
//   - Command: argv of the toolchain. Empty uses DefaultCommand.
//   - Env: Extra KEY=VALUE pairs for the toolchain environment.
//   - Timeout: Upper bound on one build. Zero waits indefinitely.
type Config struct {
	Command []string
	Env     []string
	Timeout time.Duration
}

// Result describes a successful build.
type Result struct {
	Project      string
	ArtifactPath string
	CycleID      string
	SourceHash   string // dirhash of src/ at build time, empty if unavailable
	Duration     time.Duration
	Stdout       string
	Stderr       string
}

// Builder runs the toolchain for staged projects.
//
// # Thread Safety
//
// Builder is safe for concurrent use. Builds of the same project must be
// serialized by the project lock.
type Builder struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// New creates a Builder. A nil runner uses ExecRunner and a nil logger
// discards.
func New(cfg Config, runner Runner, logger *slog.Logger) *Builder {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{cfg: cfg, runner: runner, logger: logger}
}

// Command returns the effective toolchain argv.
func (b *Builder) Command() []string { return b.cfg.Command }

// Build compiles the project described by layout.
//
// # Description
//
//  1. Fingerprint the source directory
//  2. Run the toolchain in the project directory
//  3. Verify the artifact exists at layout.ArtifactPath()
//
// # Outputs
//
//   - *Result: Artifact location and build metadata. Nil on failure.
//   - error: *BuildFailure for a non-zero exit, a start failure, a
//     missing artifact, or the configured timeout expiring (Err wraps
//     context.DeadlineExceeded). ctx.Err() if the caller cancelled.
func (b *Builder) Build(ctx context.Context, layout project.Layout) (*Result, error) {
	if len(b.cfg.Command) == 0 || b.cfg.Command[0] == "" {
		return nil, ErrNoCommand
	}

	cycleID := uuid.NewString()
	logger := b.logger.With(slog.String("project", layout.Name), slog.String("cycle_id", cycleID))

	sourceHash, err := dirhash.HashDir(layout.SourceDir(), layout.Name, dirhash.Hash1)
	if err != nil {
		logger.Warn("source fingerprint unavailable", slog.String("error", err.Error()))
		sourceHash = ""
	}

	parent := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	inv := Invocation{
		Dir:  layout.Dir(),
		Name: b.cfg.Command[0],
		Args: b.cfg.Command[1:],
		Env:  b.cfg.Env,
	}
	logger.Info("toolchain started", slog.Any("command", b.cfg.Command), slog.String("dir", inv.Dir))

	res, err := b.runner.Run(ctx, inv)
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		failure := &BuildFailure{Project: layout.Name, ExitCode: -1, Err: err}
		if ctx.Err() != nil {
			failure.Err = fmt.Errorf("toolchain timed out after %s: %w", b.cfg.Timeout, ctx.Err())
		}
		if res != nil {
			failure.Stdout, failure.Stderr = string(res.Stdout), string(res.Stderr)
		}
		return nil, failure
	}

	logger.Info("toolchain finished",
		slog.Int("exit_code", res.ExitCode),
		slog.Int64("duration_ms", res.Duration.Milliseconds()),
	)

	if res.ExitCode != 0 {
		return nil, &BuildFailure{
			Project:  layout.Name,
			ExitCode: res.ExitCode,
			Stdout:   string(res.Stdout),
			Stderr:   string(res.Stderr),
		}
	}

	artifact, err := filepath.Abs(layout.ArtifactPath())
	if err != nil {
		artifact = layout.ArtifactPath()
	}
	if _, err := os.Stat(artifact); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("artifact stat failed", slog.String("path", artifact), slog.String("error", err.Error()))
		}
		return nil, &BuildFailure{
			Project:         layout.Name,
			Stdout:          string(res.Stdout),
			Stderr:          string(res.Stderr),
			MissingArtifact: true,
			Err:             ErrMissingArtifact,
		}
	}

	return &Result{
		Project:      layout.Name,
		ArtifactPath: artifact,
		CycleID:      cycleID,
		SourceHash:   sourceHash,
		Duration:     res.Duration,
		Stdout:       string(res.Stdout),
		Stderr:       string(res.Stderr),
	}, nil
}
