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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/orchestrator"
)

type watchOptions struct {
	minInterval time.Duration
}

func newWatchCmd(a *app) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch [DISCRIMINATOR]",
		Short: "Rebuild whenever fragments change",
		Long: `Finalize the project once, then again every time its fragment set
changes, until interrupted. Build failures are reported and watching
continues. Each successful build prints the artifact path to stdout.

Examples:
  kstage watch matmul
  kstage watch matmul --min-interval 500ms`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disc, err := discriminatorArg(args)
			if err != nil {
				return err
			}
			return runWatch(cmd, a, disc, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.minInterval, "min-interval", orchestrator.DefaultMinInterval, "minimum time between builds")
	return cmd
}

func runWatch(cmd *cobra.Command, a *app, disc string, opts *watchOptions) error {
	if opts.minInterval <= 0 {
		return badArgs("--min-interval must be positive")
	}
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}

	w := orch.NewWatcher(disc, opts.minInterval)
	return w.Run(cmd.Context(), func(res *orchestrator.FinalizeResult, err error) {
		if err != nil {
			a.reportError(err)
			return
		}
		fmt.Fprintln(a.stdout, res.ArtifactPath)
	})
}
