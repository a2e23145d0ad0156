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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/fragment"
)

type contributeOptions struct {
	kind string
	name string
	id   string
	file string
	text string
	json bool
}

func newContributeCmd(a *app) *cobra.Command {
	opts := &contributeOptions{}
	cmd := &cobra.Command{
		Use:   "contribute [DISCRIMINATOR]",
		Short: "Record one source fragment",
		Long: `Record a fragment under the identifier "<kind> <name>". A later
contribution with the same identifier replaces the earlier one.

Kinds: fn, struct, enum, impl, trait. Any other kind (const, static, mod,
use, ...), or a missing name for a kind other than impl, maps to the shared
identifier "unknown", so such fragments replace each other. An impl without
a name is "impl impl_unknown". Use --id to give those items their own
identifier.

The text comes from exactly one of --text, --file, or --file - (stdin).

Examples:
  kstage contribute matmul --kind fn --name tile --file tile.rs
  kstage contribute matmul --id "struct Dims" --text "pub struct Dims { n: u32 }"
  generate_impl | kstage contribute matmul --kind impl --name Dims --file -`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disc, err := discriminatorArg(args)
			if err != nil {
				return err
			}
			return runContribute(cmd, a, disc, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.kind, "kind", "", "item kind (fn, struct, impl, ...)")
	f.StringVar(&opts.name, "name", "", "item name")
	f.StringVar(&opts.id, "id", "", "explicit fragment identifier")
	f.StringVar(&opts.file, "file", "", "read the fragment from FILE, or - for stdin")
	f.StringVar(&opts.text, "text", "", "fragment text")
	f.BoolVar(&opts.json, "json", false, "print the result as JSON")
	return cmd
}

func runContribute(cmd *cobra.Command, a *app, disc string, opts *contributeOptions) error {
	id, err := opts.identifier()
	if err != nil {
		return err
	}
	text, err := readFragment(a.stdin, opts.file, opts.text, cmd.Flags().Changed("text"))
	if err != nil {
		return err
	}

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.Contribute(cmd.Context(), disc, id, text)
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"project":  res.Project,
			"id":       res.ID,
			"replaced": res.Replaced,
		})
	}
	verb := "Added"
	if res.Replaced {
		verb = "Replaced"
	}
	a.printer.Success(fmt.Sprintf("%s %q in %s", verb, res.ID, res.Project))
	return nil
}

// identifier resolves --id, or --kind with --name.
func (o *contributeOptions) identifier() (string, error) {
	switch {
	case o.id != "" && (o.kind != "" || o.name != ""):
		return "", badArgs("--id cannot be combined with --kind or --name")
	case o.id != "":
		return o.id, nil
	case o.kind != "":
		return fragment.Identifier(fragment.ParseKind(o.kind), o.name), nil
	default:
		return "", badArgs("one of --id or --kind is required")
	}
}

// readFragment returns the fragment text from exactly one source.
func readFragment(stdin io.Reader, file, text string, textSet bool) (string, error) {
	switch {
	case textSet && file != "":
		return "", badArgs("--text and --file are mutually exclusive")
	case textSet:
		return text, nil
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading fragment from stdin: %w", err)
		}
		return string(data), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading fragment: %w", err)
		}
		return string(data), nil
	default:
		return "", badArgs("one of --text or --file is required")
	}
}
