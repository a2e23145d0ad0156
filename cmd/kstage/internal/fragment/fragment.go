// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fragment stores contributed source fragments keyed by identifier.
//
// A fragment is an opaque piece of source text plus an identifier derived
// from the kind and name of the item it defines ("fn add", "struct Bar").
// The store holds at most one fragment per identifier; a later write for
// the same identifier replaces the earlier one.
//
// # Thread Safety
//
// Stores do not lock. Every read-modify-write must run inside the project
// lock (see package lock).
package fragment

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"
)

// Kind is the kind of item a fragment defines.
type Kind string

// Supported kinds.
const (
	KindFn     Kind = "fn"
	KindStruct Kind = "struct"
	KindImpl   Kind = "impl"
	KindEnum   Kind = "enum"
	KindTrait  Kind = "trait"
)

// UnknownID is the identifier every unsupported fragment receives.
//
// All such fragments share it, so they overwrite each other.
const UnknownID = "unknown"

// ImplUnknownName names an impl block whose self type has no path.
const ImplUnknownName = "impl_unknown"

// Known reports whether k is one of the supported kinds.
func (k Kind) Known() bool {
	switch k {
	case KindFn, KindStruct, KindImpl, KindEnum, KindTrait:
		return true
	}
	return false
}

// ParseKind normalizes user input into a Kind. Unrecognized input is
// returned as-is and reports Known() == false.
func ParseKind(s string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(s)))
}

// Identifier derives the store key for an item of the given kind and name.
//
// Unknown kinds, and known non-impl kinds with an empty name, map to
// UnknownID. An impl with an empty name becomes "impl impl_unknown".
func Identifier(kind Kind, name string) string {
	name = strings.TrimSpace(name)
	if !kind.Known() {
		return UnknownID
	}
	if name == "" {
		if kind == KindImpl {
			return fmt.Sprintf("%s %s", KindImpl, ImplUnknownName)
		}
		return UnknownID
	}
	return fmt.Sprintf("%s %s", kind, name)
}

// IsSentinel reports whether id is a collision-prone fallback identifier.
func IsSentinel(id string) bool {
	return id == UnknownID
}

// Set maps identifiers to fragment source text.
type Set map[string]string

// SortedIDs returns the identifiers in ascending lexical order.
//
// Reconstruction iterates only through this; map order is never relied on.
func (s Set) SortedIDs() []string {
	return slices.Sorted(maps.Keys(s))
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	if s == nil {
		return Set{}
	}
	return maps.Clone(s)
}

// Equal reports whether two sets hold the same identifiers and texts.
func (s Set) Equal(other Set) bool {
	return maps.Equal(s, other)
}

// Store persists one project's fragment set.
type Store interface {
	// Load returns the persisted set, or an empty set if nothing was saved.
	// A present but undecodable store yields a *StoreCorruptionError.
	Load(ctx context.Context) (Set, error)

	// Save replaces the persisted set.
	Save(ctx context.Context, set Set) error

	// Remove deletes the persisted set. Absence is not an error.
	Remove() error
}

// Upsert inserts or replaces one fragment.
//
// # Description
//
// Load, overwrite the identifier, save. This is the only way fragments
// enter a store. The caller must hold the project lock.
//
// # Outputs
//
//   - bool: True if an existing fragment with the same identifier was replaced.
//   - error: ErrEmptyIdentifier, ErrInvalidText, or a store error.
func Upsert(ctx context.Context, store Store, id, text string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, ErrEmptyIdentifier
	}
	if !utf8.ValidString(text) {
		return false, fmt.Errorf("%w: fragment %q", ErrInvalidText, id)
	}

	set, err := store.Load(ctx)
	if err != nil {
		return false, err
	}
	_, replaced := set[id]
	set[id] = text

	if err := store.Save(ctx, set); err != nil {
		return false, err
	}
	return replaced, nil
}
