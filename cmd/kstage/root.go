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
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kstage/cmd/kstage/config"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/builder"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/fragment"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/lock"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/orchestrator"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/project"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/telemetry"
	"github.com/AleutianAI/kstage/pkg/logging"
	"github.com/AleutianAI/kstage/pkg/ux"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// skipSetup marks commands that run without loading configuration.
const skipSetup = "kstage/skip-setup"

// app carries per-invocation state shared by every subcommand.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath  string
	sourcesRoot string
	logLevel    string

	cfg     config.KstageConfig
	cfgFile string
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	printer *ux.Printer
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		logger:  logging.Nop(),
		tel:     telemetry.Noop(),
		printer: ux.NewPrinter(stdout, stderr),
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "kstage",
		Short: "Stage kernel source fragments and cross-compile them into one binary",
		Long: `kstage collects source fragments contributed by independent build steps
into a per-project staging directory, reconstructs a single compilation unit
from them, and runs the device toolchain on it.

Lifecycle:
  kstage init [DISCRIMINATOR]          create or reset the project
  kstage contribute [DISCRIMINATOR]    record one fragment (repeatable, any order)
  kstage finalize [DISCRIMINATOR]      rebuild the unit and compile it

Every command takes the project lock, so contributions from parallel
processes never lose updates.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipSetup] == "true" {
				return nil
			}
			return a.setup(cmd.Context())
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "configuration file (default ./"+config.FileName+" if present)")
	pf.StringVar(&a.sourcesRoot, "sources-root", "", "override the sources root directory")
	pf.StringVar(&a.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(a),
		newContributeCmd(a),
		newBatchCmd(a),
		newFinalizeCmd(a),
		newShowCmd(a),
		newWatchCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads configuration and starts logging and telemetry.
func (a *app) setup(ctx context.Context) error {
	cfg, file, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.sourcesRoot != "" {
		cfg.SourcesRoot = a.sourcesRoot
	}
	if a.logLevel != "" {
		cfg.Log.Level = strings.ToLower(a.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.cfgFile = file

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "kstage",
		Format:  parseFormat(cfg.Log.Format),
		Output:  a.stderr,
	})
	if file != "" {
		a.logger.Debug("configuration loaded", "file", file)
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = Version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.MetricsTextfile = cfg.Telemetry.MetricsTextfile
	tcfg.Output = a.stderr
	tel, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	a.tel = tel
	return nil
}

func parseFormat(s string) logging.Format {
	switch s {
	case "text":
		return logging.FormatText
	case "json":
		return logging.FormatJSON
	default:
		return logging.FormatAuto
	}
}

// orchestrator builds an Orchestrator from the effective configuration.
func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	scope, err := lock.ParseScope(a.cfg.Lock.Scope)
	if err != nil {
		return nil, &usageError{err: err}
	}
	return orchestrator.New(orchestrator.Options{
		SourcesRoot: a.cfg.SourcesRoot,
		Suffix:      a.cfg.ProjectSuffix,
		Backend:     fragment.Backend(a.cfg.Store.Backend),
		LockScope:   scope,
		Artifact: project.ArtifactLayout{
			OutputRoot:   a.cfg.Toolchain.OutputRoot,
			TargetTriple: a.cfg.Toolchain.TargetTriple,
			BinaryName:   a.cfg.Toolchain.BinaryName,
		},
		Toolchain: builder.Config{
			Command: a.cfg.Toolchain.Command,
			Env:     a.cfg.Toolchain.Env,
			Timeout: a.cfg.Toolchain.Timeout,
		},
		Logger:    a.logger,
		Telemetry: a.tel,
	})
}

// close flushes telemetry and the log file.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
	if err := a.logger.Close(); err != nil {
		fmt.Fprintf(a.stderr, "closing log file: %v\n", err)
	}
}

// reportError prints a failed invocation to stderr.
func (a *app) reportError(err error) {
	var bf *builder.BuildFailure
	if errors.As(err, &bf) {
		a.printer.ErrorBox("Build failed: "+bf.Project, buildFailureDetail(bf))
		return
	}
	a.printer.Error(err.Error())
}

func buildFailureDetail(bf *builder.BuildFailure) string {
	var b strings.Builder
	switch {
	case bf.MissingArtifact:
		b.WriteString("The toolchain succeeded but produced no binary.")
	case errors.Is(bf.Err, context.DeadlineExceeded):
		fmt.Fprintf(&b, "The toolchain did not finish: %v", bf.Err)
	case bf.ExitCode < 0:
		fmt.Fprintf(&b, "The toolchain could not be run: %v", bf.Err)
	default:
		fmt.Fprintf(&b, "The toolchain exited with status %d.", bf.ExitCode)
	}
	if tail := strings.TrimSpace(bf.Stderr); tail != "" {
		lines := strings.Split(tail, "\n")
		if len(lines) > 20 {
			lines = lines[len(lines)-20:]
		}
		b.WriteString("\n\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	return b.String()
}
