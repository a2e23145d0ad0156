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
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kstage/cmd/kstage/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, environment
variables and command-line overrides have been applied.

Environment:
  ` + config.EnvSourcesRoot + `   sources root directory
  ` + config.EnvLockScope + `     project or session
  ` + config.EnvLogLevel + `      debug, info, warn or error
  ` + config.EnvStoreBackend + `  json or badger`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Marshal(a.cfg)
			if err != nil {
				return err
			}
			if a.cfgFile != "" {
				fmt.Fprintf(a.stdout, "# %s\n", a.cfgFile)
			}
			_, err = a.stdout.Write(data)
			return err
		},
	}
	cmd.AddCommand(newConfigInitCmd(a))
	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a default configuration file",
		Long: `Write the default configuration to PATH (default ./` + config.FileName + `).
An existing file is never overwritten.`,
		Args:        maxArgs(1),
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FileName
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				if errors.Is(err, fs.ErrExist) {
					return badArgs("%s already exists", path)
				}
				return err
			}
			a.printer.Success("Wrote " + path)
			return nil
		},
	}
}
