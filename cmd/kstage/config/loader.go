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
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "kstage.yaml"

// Environment overrides, applied after the file.
const (
	EnvSourcesRoot  = "KSTAGE_SOURCES_ROOT"
	EnvLockScope    = "KSTAGE_LOCK_SCOPE"
	EnvLogLevel     = "KSTAGE_LOG_LEVEL"
	EnvStoreBackend = "KSTAGE_STORE_BACKEND"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load resolves the effective configuration.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file, then environment
// overrides, then validates. The file is path when non-empty, else
// ./kstage.yaml if it exists. Unknown keys in the file are rejected.
//
// # Outputs
//
//   - KstageConfig: The effective configuration.
//   - string: The file that was read, or "" for defaults only.
//   - error: Read, parse or validation failure.
func Load(path string) (KstageConfig, string, error) {
	cfg := DefaultConfig()

	if path == "" {
		if _, err := os.Stat(FileName); err == nil {
			path = FileName
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, path, fmt.Errorf("failed to read the config file %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, path, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, path, err
	}
	return cfg, path, nil
}

func decode(data []byte, cfg *KstageConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *KstageConfig) {
	if v := os.Getenv(EnvSourcesRoot); v != "" {
		cfg.SourcesRoot = v
	}
	if v := os.Getenv(EnvLockScope); v != "" {
		cfg.Lock.Scope = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvStoreBackend); v != "" {
		cfg.Store.Backend = strings.ToLower(v)
	}
}

// Validate checks struct constraints.
func (c KstageConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg KstageConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteDefault writes DefaultConfig to path. An existing file is left alone
// and reported with fs.ErrExist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, fs.ErrExist)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create the config directory %w", err)
		}
	}
	data, err := Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
