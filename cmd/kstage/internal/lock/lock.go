// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serializes access to project state across processes.
//
// # Description
//
// Every read-modify-write of a fragment store and every reconstruction or
// build runs inside WithLock. The lock is an advisory file lock (flock(2)
// on unix, LockFileEx on windows) plus an in-process mutex keyed by the
// lock file path, so goroutines of one process serialize as well.
//
// Acquisition blocks without timeout or backoff. A hung holder blocks
// every other contributor of the same scope.
//
// # Scopes
//
//   - ScopeProject: one lock file per project. Unrelated projects proceed
//     in parallel.
//   - ScopeSession: one lock file shared by every project under the
//     sources root.
package lock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scope selects how lock files map to projects.
type Scope string

const (
	// ScopeProject uses one lock file per project.
	ScopeProject Scope = "project"

	// ScopeSession uses one lock file for every project.
	ScopeSession Scope = "session"
)

const (
	// SessionLockName is the lock file shared by all projects in ScopeSession.
	SessionLockName = "rocm_attr.lock"

	// ProjectLockSuffix is appended to the project name in ScopeProject.
	ProjectLockSuffix = ".lock"
)

// ParseScope converts a configuration value to a Scope.
// An empty value selects ScopeProject.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeProject:
		return ScopeProject, nil
	case ScopeSession:
		return ScopeSession, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

// processLocks holds one *sync.Mutex per lock file path.
var processLocks sync.Map

func processMutex(path string) *sync.Mutex {
	mu, _ := processLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Coordinator hands out project locks under one sources root.
//
// # Thread Safety
//
// Coordinator is safe for concurrent use.
type Coordinator struct {
	root   string
	scope  Scope
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator for sourcesRoot.
//
// # Inputs
//
//   - sourcesRoot: Directory holding the lock files. Created on first use.
//   - scope: ScopeProject or ScopeSession.
//   - logger: Optional. Nil discards.
//
// # Outputs
//
//   - *Coordinator: Ready to use.
//   - error: ErrInvalidScope for an unknown scope.
func NewCoordinator(sourcesRoot string, scope Scope, logger *slog.Logger) (*Coordinator, error) {
	if scope != ScopeProject && scope != ScopeSession {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{root: sourcesRoot, scope: scope, logger: logger}, nil
}

// Scope returns the configured scope.
func (c *Coordinator) Scope() Scope { return c.scope }

// Path returns the lock file guarding the named project.
func (c *Coordinator) Path(project string) string {
	if c.scope == ScopeSession {
		return filepath.Join(c.root, SessionLockName)
	}
	return filepath.Join(c.root, project+ProjectLockSuffix)
}

// Handle is a held lock. Release it exactly once.
type Handle struct {
	path    string
	file    *os.File
	mu      *sync.Mutex
	token   string
	waited  time.Duration
	release sync.Once
}

// Path returns the lock file path.
func (h *Handle) Path() string { return h.path }

// Token identifies this acquisition in the holder record.
func (h *Handle) Token() string { return h.token }

// Waited returns how long acquisition blocked.
func (h *Handle) Waited() time.Duration { return h.waited }

// Release unlocks the file lock and the in-process mutex.
// Calls after the first return nil.
func (h *Handle) Release() error {
	var err error
	h.release.Do(func() {
		// The lock file is left in place. Unlinking it would let a later
		// opener lock a fresh inode while a waiter still holds the old one.
		if uerr := unlockFile(h.file); uerr != nil {
			err = &LockError{Op: "unlock", Path: h.path, Err: uerr}
		}
		if cerr := h.file.Close(); cerr != nil && err == nil {
			err = &LockError{Op: "close", Path: h.path, Err: cerr}
		}
		h.mu.Unlock()
	})
	return err
}

// Acquire blocks until the lock for project is held.
//
// # Description
//
// The context is consulted only before blocking. Once acquisition starts
// it runs to completion.
//
// # Outputs
//
//   - *Handle: The held lock. Caller must Release.
//   - error: ctx.Err(), ErrEmptyKey, or a *LockError.
func (c *Coordinator) Acquire(ctx context.Context, project string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(project) == "" && c.scope == ScopeProject {
		return nil, ErrEmptyKey
	}

	path := c.Path(project)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &LockError{Op: "mkdir", Path: path, Err: err}
	}

	start := time.Now()
	mu := processMutex(path)
	mu.Lock()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		mu.Unlock()
		return nil, &LockError{Op: "open", Path: path, Err: err}
	}
	if err := lockFile(file); err != nil {
		file.Close()
		mu.Unlock()
		return nil, &LockError{Op: "lock", Path: path, Err: err}
	}

	h := &Handle{
		path:   path,
		file:   file,
		mu:     mu,
		token:  uuid.NewString(),
		waited: time.Since(start),
	}
	writeHolder(file, h.token, project)

	c.logger.Debug("lock acquired",
		slog.String("path", path),
		slog.String("project", project),
		slog.Int64("waited_ms", h.waited.Milliseconds()),
	)
	return h, nil
}

// WithLock runs fn while holding the lock for project.
//
// # Description
//
// The lock is released on every exit path of fn, including panics, which
// are re-raised after release. When fn succeeds but release fails, the
// release error is returned.
func (c *Coordinator) WithLock(ctx context.Context, project string, fn func() error) (err error) {
	h, err := c.Acquire(ctx, project)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			c.logger.Warn("lock release failed", slog.String("path", h.path), slog.String("error", rerr.Error()))
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn()
}

// Holder describes the last process to acquire a lock file.
type Holder struct {
	PID     int
	Token   string
	Project string
	Time    time.Time
}

// writeHolder records who holds the lock for diagnostics. Failures are ignored.
func writeHolder(f *os.File, token, project string) {
	if err := f.Truncate(0); err != nil {
		return
	}
	if _, err := f.Seek(0, 0); err != nil {
		return
	}
	_, _ = fmt.Fprintf(f, "pid=%d\ntoken=%s\nproject=%s\ntime=%s\n",
		os.Getpid(), token, project, time.Now().UTC().Format(time.RFC3339))
	_ = f.Sync()
}

// ReadHolder parses the holder record of a lock file.
//
// The record describes the most recent acquisition. It does not prove the
// lock is currently held.
//
// # Outputs
//
//   - *Holder: Parsed record. Nil when the file does not exist.
//   - error: Read failures other than absence.
func ReadHolder(path string) (*Holder, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := &Holder{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "token":
			h.Token = value
		case "project":
			h.Project = value
		case "time":
			h.Time, _ = time.Parse(time.RFC3339, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return h, nil
}
