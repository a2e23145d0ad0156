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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// Output formats for finalize.
const (
	formatPath      = "path"
	formatRustConst = "rust-const"
	formatJSON      = "json"
)

// rustConstName is the constant emitted by --format rust-const.
const rustConstName = "AMDGPU_KERNEL_BINARY_PATH"

type finalizeOptions struct {
	format string
}

func newFinalizeCmd(a *app) *cobra.Command {
	opts := &finalizeOptions{}
	cmd := &cobra.Command{
		Use:   "finalize [DISCRIMINATOR]",
		Short: "Reconstruct the unit and compile it",
		Long: `Rebuild the compilation unit from the real preamble and every stored
fragment in identifier order, then run the toolchain. On success the path
of the compiled binary is printed to stdout.

Formats:
  path        the bare artifact path (default)
  rust-const  const AMDGPU_KERNEL_BINARY_PATH: &str = "<path>";
  json        the artifact path with build metadata

Exit status is 3 when the toolchain fails or produces no binary.

Examples:
  kstage finalize matmul
  kstage finalize matmul --format rust-const > $OUT_DIR/kernel_path.rs`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disc, err := discriminatorArg(args)
			if err != nil {
				return err
			}
			return runFinalize(cmd, a, disc, opts)
		},
	}
	cmd.Flags().StringVar(&opts.format, "format", formatPath, "output format: path, rust-const, json")
	return cmd
}

func runFinalize(cmd *cobra.Command, a *app, disc string, opts *finalizeOptions) error {
	switch opts.format {
	case formatPath, formatRustConst, formatJSON:
	default:
		return badArgs("unknown format %q (want path, rust-const or json)", opts.format)
	}

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.Finalize(cmd.Context(), disc)
	if err != nil {
		return err
	}

	switch opts.format {
	case formatRustConst:
		fmt.Fprintln(a.stdout, rustConst(res.ArtifactPath))
	case formatJSON:
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"project":       res.Project,
			"artifact_path": res.ArtifactPath,
			"cycle_id":      res.CycleID,
			"source_hash":   res.SourceHash,
			"fragments":     res.Fragments,
			"duration_ms":   res.Duration.Milliseconds(),
		})
	default:
		fmt.Fprintln(a.stdout, res.ArtifactPath)
	}
	return nil
}

var rustEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// rustConst renders path as a Rust string constant declaration.
func rustConst(path string) string {
	return fmt.Sprintf("const %s: &str = \"%s\";", rustConstName, rustEscaper.Replace(path))
}
