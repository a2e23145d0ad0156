// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBuildFailed is matched by every *BuildFailure.
	ErrBuildFailed = errors.New("toolchain build failed")

	// ErrMissingArtifact indicates the toolchain succeeded but produced no binary.
	ErrMissingArtifact = errors.New("build artifact missing")

	// ErrNoCommand indicates an empty toolchain command line.
	ErrNoCommand = errors.New("toolchain command is empty")
)

// BuildFailure describes a toolchain invocation that did not yield an artifact.
//
// # Fields
//
//   - Project: Project name.
//   - ExitCode: Toolchain exit status. -1 when the process never ran.
//   - Stdout, Stderr: Captured toolchain output.
//   - MissingArtifact: Toolchain exited 0 but the artifact was not found.
//   - Err: Start failure or ErrMissingArtifact.
type BuildFailure struct {
	Project         string
	ExitCode        int
	Stdout          string
	Stderr          string
	MissingArtifact bool
	Err             error
}

// Error implements the error interface.
func (e *BuildFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "build %s failed", e.Project)
	switch {
	case e.MissingArtifact:
		b.WriteString(": toolchain succeeded but artifact is missing")
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	default:
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if tail := lastLines(e.Stderr, 5); tail != "" {
		b.WriteString("\n")
		b.WriteString(tail)
	}
	return b.String()
}

// Unwrap returns the underlying error, if any.
func (e *BuildFailure) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBuildFailed) match.
func (e *BuildFailure) Is(target error) bool { return target == ErrBuildFailed }

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
