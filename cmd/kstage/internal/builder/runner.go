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
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// waitDelay bounds how long output pipes are drained after the process is
// killed, since grandchildren may keep them open.
const waitDelay = 2 * time.Second

// Invocation is one toolchain command.
type Invocation struct {
	Dir  string
	Name string
	Args []string
	Env  []string // appended to the current environment
}

// RunResult is the outcome of a process that ran to completion.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner executes toolchain processes.
//
// # Description
//
// Run returns a RunResult whenever the process started, including on a
// non-zero exit. The error is reserved for failures to start or wait.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*RunResult, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

// Run starts inv and waits for it to exit.
func (ExecRunner) Run(ctx context.Context, inv Invocation) (*RunResult, error) {
	cmd := exec.CommandContext(ctx, inv.Name, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = waitDelay
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &RunResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	default:
		return res, err
	}
}
