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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/orchestrator"
)

// batchManifest lists fragments to contribute in one invocation.
type batchManifest struct {
	Fragments []batchEntry `yaml:"fragments"`
}

type batchEntry struct {
	Kind string  `yaml:"kind,omitempty"`
	Name string  `yaml:"name,omitempty"`
	ID   string  `yaml:"id,omitempty"`
	File string  `yaml:"file,omitempty"`
	Text *string `yaml:"text,omitempty"`
}

type batchOptions struct {
	jobs int
}

func newBatchCmd(a *app) *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "contribute-batch [DISCRIMINATOR] MANIFEST",
		Short: "Record many fragments from a YAML manifest",
		Long: `Contribute every fragment listed in MANIFEST concurrently. Each entry
takes the same fields as the contribute flags; relative file paths are
resolved against the manifest's directory. Entries are validated before
anything is written. When several entries resolve to the same identifier,
the one listed last wins.

Manifest format:
  fragments:
    - kind: struct
      name: Dims
      text: "pub struct Dims { n: u32 }"
    - kind: fn
      name: tile
      file: tile.rs
    - id: "impl Dims"
      file: dims_impl.rs

Examples:
  kstage contribute-batch matmul fragments.yaml
  kstage contribute-batch fragments.yaml --jobs 8`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runBatch(cmd, a, "", args[0], opts)
			}
			disc, err := discriminatorArg(args)
			if err != nil {
				return err
			}
			return runBatch(cmd, a, disc, args[1], opts)
		},
	}
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", 4, "maximum concurrent contributions")
	return cmd
}

type resolvedEntry struct {
	id   string
	text string
}

func runBatch(cmd *cobra.Command, a *app, disc, manifestPath string, opts *batchOptions) error {
	if opts.jobs < 1 {
		return badArgs("--jobs must be at least 1")
	}
	entries, err := loadBatch(manifestPath)
	if err != nil {
		return err
	}

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}

	results := make([]*orchestrator.ContributeResult, len(entries))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(opts.jobs)
	for i, e := range entries {
		g.Go(func() error {
			res, err := orch.Contribute(ctx, disc, e.id, e.text)
			if err != nil {
				return fmt.Errorf("fragment %q: %w", e.id, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	replaced := 0
	for _, r := range results {
		if r.Replaced {
			replaced++
		}
		a.printer.Item(r.ID, "")
	}
	a.printer.Success(fmt.Sprintf("Contributed %d fragments to %s (%d replaced)",
		len(results), orch.ProjectName(disc), replaced))
	return nil
}

// loadBatch parses and resolves every manifest entry. Entries sharing an
// identifier collapse into one carrying the last entry's text, so the
// concurrent contributions that follow cannot reorder them.
func loadBatch(path string) ([]resolvedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m batchManifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, badArgs("parsing manifest %s: %v", path, err)
	}
	if len(m.Fragments) == 0 {
		return nil, badArgs("manifest %s lists no fragments", path)
	}

	base := filepath.Dir(path)
	out := make([]resolvedEntry, 0, len(m.Fragments))
	seen := make(map[string]int, len(m.Fragments))
	for i, e := range m.Fragments {
		opts := contributeOptions{kind: e.Kind, name: e.Name, id: e.ID}
		id, err := opts.identifier()
		if err != nil {
			return nil, badArgs("entry %d: %v", i+1, err)
		}

		file := e.File
		if file != "" && !filepath.IsAbs(file) {
			file = filepath.Join(base, file)
		}
		var text string
		switch {
		case e.Text != nil && e.File != "":
			return nil, badArgs("entry %d: text and file are mutually exclusive", i+1)
		case e.Text != nil:
			text = *e.Text
		case e.File != "":
			b, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("entry %d: reading fragment: %w", i+1, err)
			}
			text = string(b)
		default:
			return nil, badArgs("entry %d: one of text or file is required", i+1)
		}
		if j, ok := seen[id]; ok {
			out[j].text = text
			continue
		}
		seen[id] = len(out)
		out = append(out, resolvedEntry{id: id, text: text})
	}
	return out, nil
}
