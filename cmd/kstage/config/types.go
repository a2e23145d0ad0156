// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"
)

type KstageConfig struct {
	// SourcesRoot: directory holding every staged project
	SourcesRoot string `yaml:"sources_root" validate:"required"`

	// ProjectSuffix: appended to the discriminator to form project names
	ProjectSuffix string `yaml:"project_suffix" validate:"required,excludesall=/\\"`

	Lock      LockConfig      `yaml:"lock"`
	Store     StoreConfig     `yaml:"store"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LockConfig struct {
	// Scope is "project" (one lock per project) or "session" (one for all)
	Scope string `yaml:"scope" validate:"oneof=project session"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=json badger"`
}

type ToolchainConfig struct {
	Command []string      `yaml:"command" validate:"min=1,dive,required"`
	Env     []string      `yaml:"env,omitempty" validate:"dive,contains=="`
	Timeout time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`

	// Arch overrides the target architecture written by init, e.g. gfx90a
	Arch string `yaml:"arch,omitempty"`

	OutputRoot   string `yaml:"output_root" validate:"required"`
	TargetTriple string `yaml:"target_triple" validate:"required"`
	BinaryName   string `yaml:"binary_name" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir,omitempty"`
}

type TelemetryConfig struct {
	TraceExporter   string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter  string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint    string `yaml:"otlp_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	MetricsTextfile string `yaml:"metrics_textfile,omitempty"`
}

func DefaultConfig() KstageConfig {
	return KstageConfig{
		SourcesRoot:   "kernel_sources",
		ProjectSuffix: "kernel",
		Lock:          LockConfig{Scope: "project"},
		Store:         StoreConfig{Backend: "json"},
		Toolchain: ToolchainConfig{
			Command:      []string{"cargo", "build", "--release"},
			OutputRoot:   "target",
			TargetTriple: "amdgcn-amd-amdhsa",
			BinaryName:   "kernels.elf",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}
