// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fragment

import (
	"errors"
	"fmt"
)

// Sentinel errors for fragment storage.
var (
	ErrStoreCorrupted  = errors.New("fragment store is corrupted")
	ErrEmptyIdentifier = errors.New("fragment identifier must not be empty")
	ErrInvalidText     = errors.New("fragment text must be valid UTF-8")
	ErrUnknownBackend  = errors.New("unknown store backend")
)

// StoreCorruptionError reports a store that exists but cannot be decoded.
//
// Corruption is never treated as an empty store; doing so would silently
// drop every earlier contribution.
type StoreCorruptionError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *StoreCorruptionError) Error() string {
	return fmt.Sprintf("fragment store %s is corrupted: %v", e.Path, e.Err)
}

// Unwrap returns the decode error.
func (e *StoreCorruptionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStoreCorrupted) match.
func (e *StoreCorruptionError) Is(target error) bool {
	return target == ErrStoreCorrupted
}

// StoreError wraps I/O failures with the operation that failed.
type StoreError struct {
	Op   string // read, write, rename, open, remove
	Path string
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("fragment store %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}
