// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package preamble supplies the fixed prologue of every compilation unit.
//
// Real is the freestanding device prologue: no_std, an aborting panic
// handler, and the work-item/work-group intrinsic bindings. Stub exposes the
// same public symbols backed by host atomics so that host code written
// before the device build exists still type-checks.
package preamble

import (
	_ "embed"
)

//go:embed assets/real.rs
var realPreamble string

//go:embed assets/stub.rs
var stubPreamble string

// Variant selects a preamble.
type Variant int

const (
	VariantReal Variant = iota
	VariantStub
)

// String returns "real" or "stub".
func (v Variant) String() string {
	if v == VariantStub {
		return "stub"
	}
	return "real"
}

// Provider returns preamble text. The default provider serves the embedded
// assets; tests substitute fixed strings.
type Provider interface {
	Preamble(v Variant) string
}

// Embedded serves the built-in preambles.
type Embedded struct{}

// Preamble implements Provider.
func (Embedded) Preamble(v Variant) string {
	if v == VariantStub {
		return stubPreamble
	}
	return realPreamble
}

// Static serves caller-supplied text. Useful in tests.
type Static struct {
	Real string
	Stub string
}

// Preamble implements Provider.
func (s Static) Preamble(v Variant) string {
	if v == VariantStub {
		return s.Stub
	}
	return s.Real
}

// Real returns the built-in device prologue.
func Real() string { return realPreamble }

// Stub returns the built-in host stand-in bindings.
func Stub() string { return stubPreamble }
