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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/scaffold"
)

type initOptions struct {
	arch    string
	stubOut string
	json    bool
}

func newInitCmd(a *app) *cobra.Command {
	opts := &initOptions{}
	cmd := &cobra.Command{
		Use:   "init [DISCRIMINATOR]",
		Short: "Create or reset a staged project",
		Long: `Create the project directory with its manifest and target configuration,
discarding any previous fragments and reconstructed unit.

The project name is DISCRIMINATOR_<suffix>, or the bare suffix when no
discriminator is given. The host-side stub preamble is printed with
--stub-out so callers can type-check code that references kernels.

Examples:
  kstage init
  kstage init matmul --arch gfx90a
  kstage init matmul --stub-out src/kernels_stub.rs`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disc, err := discriminatorArg(args)
			if err != nil {
				return err
			}
			return runInit(cmd, a, disc, opts)
		},
	}
	cmd.Flags().StringVar(&opts.arch, "arch", "", "target architecture (default from config, else "+scaffold.DefaultArch+")")
	cmd.Flags().StringVar(&opts.stubOut, "stub-out", "", "write the stub preamble to FILE, or - for stdout")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the result as JSON")
	return cmd
}

func runInit(cmd *cobra.Command, a *app, disc string, opts *initOptions) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}

	arch := opts.arch
	if arch == "" {
		arch = a.cfg.Toolchain.Arch
	}
	var target *scaffold.TargetConfig
	if arch != "" {
		target = &scaffold.TargetConfig{Arch: arch}
	}

	res, err := orch.Init(cmd.Context(), disc, target)
	if err != nil {
		return err
	}

	switch opts.stubOut {
	case "":
	case "-":
		fmt.Fprint(a.stdout, res.Stub)
		return nil
	default:
		if err := os.WriteFile(opts.stubOut, []byte(res.Stub), 0644); err != nil {
			return fmt.Errorf("writing stub preamble: %w", err)
		}
	}

	if opts.json {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"project":  res.Project,
			"dir":      res.Layout.Dir(),
			"manifest": res.Layout.ManifestPath(),
			"unit":     res.Layout.UnitPath(),
		})
	}

	a.printer.Success(fmt.Sprintf("Initialized %s", res.Project))
	a.printer.KeyValue("dir", res.Layout.Dir())
	if opts.stubOut != "" {
		a.printer.KeyValue("stub", opts.stubOut)
	}
	return nil
}
