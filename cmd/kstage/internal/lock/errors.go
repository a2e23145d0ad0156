// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrLockAcquireFailed indicates the lock file could not be opened or locked.
	ErrLockAcquireFailed = errors.New("failed to acquire lock")

	// ErrInvalidScope indicates an unrecognized lock scope.
	ErrInvalidScope = errors.New("invalid lock scope")

	// ErrEmptyKey indicates a lock was requested without a project name.
	ErrEmptyKey = errors.New("lock key must not be empty")
)

// LockError reports a failure to obtain or release the coordination lock.
//
// errors.Is(err, ErrLockAcquireFailed) matches every LockError.
type LockError struct {
	Op   string // mkdir, open, lock, unlock
	Path string
	Err  error
}

// Error implements the error interface.
func (e *LockError) Error() string {
	return fmt.Sprintf("lock %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *LockError) Unwrap() error { return e.Err }

// Is reports whether target is ErrLockAcquireFailed.
func (e *LockError) Is(target error) bool { return target == ErrLockAcquireFailed }
