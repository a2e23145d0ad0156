// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconstruct assembles the compilation unit from a fragment store.
//
// The unit is a pure function of the preamble and the store contents:
//
//	preamble + "\n" + fragment(id1) + "\n" + fragment(id2) + "\n" + ...
//
// with identifiers in ascending lexical order. It is rebuilt from scratch
// every time, never patched.
package reconstruct

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/fragment"
)

// Render concatenates the preamble and every fragment in sorted order.
//
// A set with no fragments renders to exactly preamble + "\n".
func Render(preamble string, set fragment.Set) string {
	ids := set.SortedIDs()

	size := len(preamble) + 1
	for _, id := range ids {
		size += len(set[id]) + 1
	}

	var b strings.Builder
	b.Grow(size)
	b.WriteString(preamble)
	b.WriteByte('\n')
	for _, id := range ids {
		b.WriteString(set[id])
		b.WriteByte('\n')
	}
	return b.String()
}

// Result describes one reconstruction.
type Result struct {
	UnitPath  string
	Fragments []string // identifiers in emitted order
	Bytes     int
}

// Reconstruct loads store, renders the unit, and overwrites unitPath.
//
// # Description
//
// An absent store is an empty set, so a project with no contributions
// still yields a valid preamble-only unit. The caller must hold the
// project lock.
//
// # Outputs
//
//   - *Result: What was written. Nil on error.
//   - error: Store errors (including corruption) or the unit write failure.
func Reconstruct(ctx context.Context, store fragment.Store, preamble, unitPath string) (*Result, error) {
	set, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading fragments: %w", err)
	}

	unit := Render(preamble, set)

	if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
		return nil, fmt.Errorf("creating unit directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return nil, fmt.Errorf("writing unit %s: %w", unitPath, err)
	}

	return &Result{
		UnitPath:  unitPath,
		Fragments: set.SortedIDs(),
		Bytes:     len(unit),
	}, nil
}
