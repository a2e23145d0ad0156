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
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helperEnv     = "KSTAGE_LOCK_HELPER"
	helperRootEnv = "KSTAGE_LOCK_HELPER_ROOT"
	helperRounds  = 25
)

func newCoordinator(t *testing.T, root string, scope Scope) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(root, scope, nil)
	require.NoError(t, err)
	return c
}

// incrementCounter performs an unguarded read-modify-write on a counter file.
func incrementCounter(path string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	n := 0
	if len(data) > 0 {
		n, err = strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return err
		}
	}
	time.Sleep(time.Millisecond)
	return os.WriteFile(path, []byte(strconv.Itoa(n+1)), 0644)
}

func readCounter(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return n
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{"", ScopeProject, false},
		{"project", ScopeProject, false},
		{" Session ", ScopeSession, false},
		{"global", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScope(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidScope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewCoordinator_InvalidScope(t *testing.T) {
	_, err := NewCoordinator(t.TempDir(), Scope("bogus"), nil)
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestPath(t *testing.T) {
	root := t.TempDir()

	p := newCoordinator(t, root, ScopeProject)
	assert.Equal(t, filepath.Join(root, "a_kernel.lock"), p.Path("a_kernel"))
	assert.NotEqual(t, p.Path("a_kernel"), p.Path("b_kernel"))

	s := newCoordinator(t, root, ScopeSession)
	assert.Equal(t, filepath.Join(root, SessionLockName), s.Path("a_kernel"))
	assert.Equal(t, s.Path("a_kernel"), s.Path("b_kernel"))
}

func TestWithLock_RunsAndReturnsError(t *testing.T) {
	c := newCoordinator(t, t.TempDir(), ScopeProject)
	sentinel := errors.New("boom")

	ran := false
	err := c.WithLock(context.Background(), "k", func() error {
		ran = true
		return sentinel
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, sentinel)

	// Released after the failing body.
	assert.NoError(t, c.WithLock(context.Background(), "k", func() error { return nil }))
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	c := newCoordinator(t, t.TempDir(), ScopeProject)

	func() {
		defer func() {
			assert.Equal(t, "kaboom", recover())
		}()
		_ = c.WithLock(context.Background(), "k", func() error { panic("kaboom") })
	}()

	done := make(chan error, 1)
	go func() { done <- c.WithLock(context.Background(), "k", func() error { return nil }) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lock not released after panic")
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	c := newCoordinator(t, t.TempDir(), ScopeProject)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquire_EmptyProject(t *testing.T) {
	c := newCoordinator(t, t.TempDir(), ScopeProject)
	_, err := c.Acquire(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestAcquire_OpenFailureIsLockError(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	c := newCoordinator(t, filepath.Join(blocker, "nested"), ScopeProject)
	_, err := c.Acquire(context.Background(), "k")
	require.Error(t, err)

	var le *LockError
	require.True(t, errors.As(err, &le))
	assert.ErrorIs(t, err, ErrLockAcquireFailed)
}

func TestHandle_ReleaseIdempotent(t *testing.T) {
	c := newCoordinator(t, t.TempDir(), ScopeProject)
	h, err := c.Acquire(context.Background(), "k")
	require.NoError(t, err)

	assert.NoError(t, h.Release())
	assert.NoError(t, h.Release())
}

func TestHolderRecord(t *testing.T) {
	c := newCoordinator(t, t.TempDir(), ScopeProject)
	h, err := c.Acquire(context.Background(), "demo_kernel")
	require.NoError(t, err)
	defer h.Release()

	holder, err := ReadHolder(h.Path())
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.Equal(t, h.Token(), holder.Token)
	assert.Equal(t, "demo_kernel", holder.Project)
	assert.False(t, holder.Time.IsZero())
}

func TestReadHolder_Absent(t *testing.T) {
	holder, err := ReadHolder(filepath.Join(t.TempDir(), "none.lock"))
	assert.NoError(t, err)
	assert.Nil(t, holder)
}

func TestWithLock_MutualExclusionInProcess(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root, ScopeProject)
	counter := filepath.Join(root, "counter")

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	const workers, rounds = 8, 10

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				err := c.WithLock(context.Background(), "k", func() error {
					n := inside.Add(1)
					if n > maxInside.Load() {
						maxInside.Store(n)
					}
					defer inside.Add(-1)
					return incrementCounter(counter)
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, workers*rounds, readCounter(t, counter))
}

// Separate coordinators in one process still share the in-process mutex.
func TestWithLock_SeparateCoordinatorsSerialize(t *testing.T) {
	root := t.TempDir()
	counter := filepath.Join(root, "counter")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		c := newCoordinator(t, root, ScopeSession)
		wg.Add(1)
		go func(project string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, c.WithLock(context.Background(), project, func() error {
					return incrementCounter(counter)
				}))
			}
		}(fmt.Sprintf("p%d", w))
	}
	wg.Wait()

	assert.Equal(t, 40, readCounter(t, counter))
}

// TestLockHelperProcess is executed as a child process by
// TestWithLock_CrossProcess. It is a no-op in a normal test run.
func TestLockHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	root := os.Getenv(helperRootEnv)
	c, err := NewCoordinator(root, ScopeProject, nil)
	if err != nil {
		os.Exit(2)
	}
	for i := 0; i < helperRounds; i++ {
		err := c.WithLock(context.Background(), "shared", func() error {
			return incrementCounter(filepath.Join(root, "counter"))
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	os.Exit(0)
}

func TestWithLock_CrossProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	root := t.TempDir()
	const children = 4

	var wg sync.WaitGroup
	errs := make([]error, children)
	for i := 0; i < children; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := exec.Command(os.Args[0], "-test.run=^TestLockHelperProcess$")
			cmd.Env = append(os.Environ(), helperEnv+"=1", helperRootEnv+"="+root)
			out, err := cmd.CombinedOutput()
			if err != nil {
				errs[i] = fmt.Errorf("child %d: %w: %s", i, err, out)
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, children*helperRounds, readCounter(t, filepath.Join(root, "counter")))
}
