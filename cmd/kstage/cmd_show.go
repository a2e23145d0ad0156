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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/orchestrator"
)

type showOptions struct {
	unit bool
	json bool
}

func newShowCmd(a *app) *cobra.Command {
	opts := &showOptions{}
	cmd := &cobra.Command{
		Use:   "show [DISCRIMINATOR]",
		Short: "Show a project's state, fragments and lock holder",
		Long: `Print the lifecycle state, the stored fragment identifiers, and the
last recorded lock holder of a project without modifying it.

With --unit, print the compilation unit that finalize would write.

Examples:
  kstage show matmul
  kstage show matmul --unit
  kstage show matmul --json`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disc, err := discriminatorArg(args)
			if err != nil {
				return err
			}
			return runShow(cmd, a, disc, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.unit, "unit", false, "print the rendered compilation unit")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the snapshot as JSON")
	return cmd
}

type showJSON struct {
	Project      string            `json:"project"`
	Dir          string            `json:"dir"`
	State        string            `json:"state"`
	UpdatedAt    *time.Time        `json:"updated_at,omitempty"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	CycleID      string            `json:"cycle_id,omitempty"`
	Fragments    map[string]string `json:"fragments"`
	LockPath     string            `json:"lock_path"`
	LockHolder   *holderJSON       `json:"lock_holder,omitempty"`
}

type holderJSON struct {
	PID   int       `json:"pid"`
	Token string    `json:"token"`
	Time  time.Time `json:"time"`
}

func runShow(cmd *cobra.Command, a *app, disc string, opts *showOptions) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	snap, err := orch.Inspect(cmd.Context(), disc)
	if err != nil {
		return err
	}

	if opts.unit {
		fmt.Fprint(a.stdout, snap.Unit)
		return nil
	}
	if opts.json {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshotJSON(snap))
	}

	a.printer.Title(snap.Project)
	a.printer.KeyValue("state", string(snap.Status.State))
	a.printer.KeyValue("dir", snap.Layout.Dir())
	if snap.Status.ArtifactPath != "" {
		a.printer.KeyValue("artifact", snap.Status.ArtifactPath)
	}
	a.printer.KeyValue("lock", snap.LockPath)
	if h := snap.Holder; h != nil {
		a.printer.KeyValue("last holder", fmt.Sprintf("pid %d at %s", h.PID, h.Time.Format(time.RFC3339)))
	}
	a.printer.KeyValue("fragments", fmt.Sprintf("%d", len(snap.Fragments)))
	for _, id := range snap.Fragments.SortedIDs() {
		a.printer.Item(id, fmt.Sprintf("%d bytes", len(snap.Fragments[id])))
	}
	return nil
}

func snapshotJSON(snap *orchestrator.Snapshot) showJSON {
	out := showJSON{
		Project:      snap.Project,
		Dir:          snap.Layout.Dir(),
		State:        string(snap.Status.State),
		ArtifactPath: snap.Status.ArtifactPath,
		CycleID:      snap.Status.CycleID,
		Fragments:    snap.Fragments,
		LockPath:     snap.LockPath,
	}
	if out.Fragments == nil {
		out.Fragments = map[string]string{}
	}
	if !snap.Status.UpdatedAt.IsZero() {
		t := snap.Status.UpdatedAt
		out.UpdatedAt = &t
	}
	if h := snap.Holder; h != nil {
		out.LockHolder = &holderJSON{PID: h.PID, Token: h.Token, Time: h.Time}
	}
	return out
}
