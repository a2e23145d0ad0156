// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kstage/cmd/kstage/config"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/builder"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/fragment"
	"github.com/AleutianAI/kstage/pkg/validation"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitBadArgs     = 2
	ExitBuildFailed = 3
)

// usageError marks invalid command-line input.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func badArgs(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// exitCode maps an invocation error to the process exit status.
func exitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &ue),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, fragment.ErrEmptyIdentifier),
		errors.Is(err, fragment.ErrInvalidText):
		return ExitBadArgs
	case errors.Is(err, builder.ErrBuildFailed):
		return ExitBuildFailed
	default:
		return ExitFailure
	}
}

// maxArgs is cobra.MaximumNArgs reported as a usage error.
func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// rangeArgs is cobra.RangeArgs reported as a usage error.
func rangeArgs(lo, hi int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(lo, hi)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// discriminatorArg returns the optional first positional argument, trimmed
// and checked for use as a directory name.
func discriminatorArg(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	disc, err := validation.SanitizeDiscriminator(args[0])
	if err != nil {
		return "", &usageError{err: err}
	}
	return disc, nil
}
