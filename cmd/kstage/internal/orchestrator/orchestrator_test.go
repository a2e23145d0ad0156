// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/builder"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/fragment"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/lock"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/preamble"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/scaffold"
	"github.com/AleutianAI/kstage/pkg/logging"
)

const testPreamble = "PRE"

// fakeToolchain records the unit it was asked to build and writes the
// artifact unless told to fail.
type fakeToolchain struct {
	mu       sync.Mutex
	units    []string
	exitCode int
	noOutput bool
	delay    time.Duration
	calls    atomic.Int32

	// gate, when set, holds every build until it is closed.
	gate chan struct{}
}

func (f *fakeToolchain) Run(_ context.Context, inv builder.Invocation) (*builder.RunResult, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	unit, err := os.ReadFile(filepath.Join(inv.Dir, "src", "lib.rs"))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.units = append(f.units, string(unit))
	f.mu.Unlock()

	if f.exitCode != 0 {
		return &builder.RunResult{ExitCode: f.exitCode, Stderr: []byte("error: could not compile `kernels`")}, nil
	}
	if !f.noOutput {
		artifact := filepath.Join(inv.Dir, "target", "amdgcn-amd-amdhsa", "release", "kernels.elf")
		if err := os.MkdirAll(filepath.Dir(artifact), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(artifact, []byte("ELF"), 0644); err != nil {
			return nil, err
		}
	}
	return &builder.RunResult{Duration: time.Millisecond}, nil
}

func (f *fakeToolchain) lastUnit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.units) == 0 {
		return ""
	}
	return f.units[len(f.units)-1]
}

func newTestOrchestrator(t *testing.T, root string, tc *fakeToolchain, mutate ...func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		SourcesRoot: root,
		Runner:      tc,
		Preamble:    preamble.Static{Real: testPreamble, Stub: "STUB"},
	}
	for _, m := range mutate {
		m(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func TestNew_Defaults(t *testing.T) {
	o, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, "kernel", o.ProjectName(""))
	assert.Equal(t, "demo_kernel", o.ProjectName("demo"))
	assert.Equal(t, filepath.Join("kernel_sources", "demo_kernel"), o.Layout("demo").Dir())
}

func TestNew_InvalidLockScope(t *testing.T) {
	_, err := New(Options{SourcesRoot: t.TempDir(), LockScope: "cluster"})
	assert.ErrorIs(t, err, lock.ErrInvalidScope)
}

// The worked example: two functions contributed out of order, one build.
func TestDemoExample(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{}
	o := newTestOrchestrator(t, t.TempDir(), tc)

	initRes, err := o.Init(ctx, "demo", nil)
	require.NoError(t, err)
	assert.Equal(t, "demo_kernel", initRes.Project)
	assert.Equal(t, "STUB", initRes.Stub)

	_, err = o.ContributeItem(ctx, "demo", fragment.KindFn, "sub", "fn sub(a: u32, b: u32) -> u32 { a - b }")
	require.NoError(t, err)
	_, err = o.ContributeItem(ctx, "demo", fragment.KindFn, "add", "fn add(a: u32, b: u32) -> u32 { a + b }")
	require.NoError(t, err)

	res, err := o.Finalize(ctx, "demo")
	require.NoError(t, err)

	want := "PRE\n" +
		"fn add(a: u32, b: u32) -> u32 { a + b }\n" +
		"fn sub(a: u32, b: u32) -> u32 { a - b }\n"
	assert.Equal(t, want, tc.lastUnit())

	layout := o.Layout("demo")
	assert.Equal(t, layout.ArtifactPath(), res.ArtifactPath)
	assert.Equal(t, 2, res.Fragments)
	assert.NotEmpty(t, res.CycleID)

	unit, err := os.ReadFile(layout.UnitPath())
	require.NoError(t, err)
	assert.Equal(t, want, string(unit))

	st, err := loadStatus(layout.StatePath())
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, st.State)
	assert.Equal(t, res.ArtifactPath, st.ArtifactPath)
	assert.Equal(t, 2, st.Fragments)
}

func TestInitThenFinalize_PreambleOnly(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{}
	o := newTestOrchestrator(t, t.TempDir(), tc)

	_, err := o.Init(ctx, "", nil)
	require.NoError(t, err)

	res, err := o.Finalize(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fragments)
	assert.Equal(t, "PRE\n", tc.lastUnit())
	assert.NoFileExists(t, o.Layout("").StoreFilePath())
}

func TestContribute_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{}
	o := newTestOrchestrator(t, t.TempDir(), tc)

	first, err := o.Contribute(ctx, "lw", "fn f", "fn f() { 1 }")
	require.NoError(t, err)
	assert.False(t, first.Replaced)

	second, err := o.Contribute(ctx, "lw", "fn f", "fn f() { 2 }")
	require.NoError(t, err)
	assert.True(t, second.Replaced)

	_, err = o.Finalize(ctx, "lw")
	require.NoError(t, err)
	assert.Equal(t, "PRE\nfn f() { 2 }\n", tc.lastUnit())
}

func TestContribute_ImplicitProjectCreation(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, t.TempDir(), &fakeToolchain{})

	exists, err := o.Exists("fresh")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = o.Contribute(ctx, "fresh", "struct S", "struct S;")
	require.NoError(t, err)

	exists, err = o.Exists("fresh")
	require.NoError(t, err)
	assert.True(t, exists)

	snap, err := o.Inspect(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, fragment.Set{"struct S": "struct S;"}, snap.Fragments)
	assert.Equal(t, StateContributing, snap.Status.State)
}

func TestContribute_SentinelCollisionWarns(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Format: logging.FormatText, Output: &logs})
	o := newTestOrchestrator(t, t.TempDir(), &fakeToolchain{}, func(opts *Options) { opts.Logger = logger })

	_, err := o.ContributeItem(ctx, "s", fragment.Kind("macro"), "m1", "macro_rules! m1 {}")
	require.NoError(t, err)
	res, err := o.ContributeItem(ctx, "s", fragment.Kind("macro"), "m2", "macro_rules! m2 {}")
	require.NoError(t, err)

	assert.Equal(t, fragment.UnknownID, res.ID)
	assert.True(t, res.Replaced)
	assert.Contains(t, logs.String(), "no recognizable kind")

	snap, err := o.Inspect(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, fragment.Set{fragment.UnknownID: "macro_rules! m2 {}"}, snap.Fragments)
}

func TestContribute_ToFinalizedProjectProceeds(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{}
	o := newTestOrchestrator(t, t.TempDir(), tc)

	_, err := o.Init(ctx, "late", nil)
	require.NoError(t, err)
	_, err = o.Finalize(ctx, "late")
	require.NoError(t, err)

	_, err = o.Contribute(ctx, "late", "fn late", "fn late() {}")
	require.NoError(t, err)

	res, err := o.Finalize(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fragments)
}

func TestInit_ResetsProject(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, t.TempDir(), &fakeToolchain{})

	_, err := o.Contribute(ctx, "r", "fn old", "fn old() {}")
	require.NoError(t, err)
	_, err = o.Finalize(ctx, "r")
	require.NoError(t, err)

	_, err = o.Init(ctx, "r", &scaffold.TargetConfig{Arch: "gfx90a"})
	require.NoError(t, err)

	snap, err := o.Inspect(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, snap.Fragments)
	assert.Equal(t, StateInitialized, snap.Status.State)
	assert.Equal(t, "gfx90a", snap.Status.Arch)
	assert.NoFileExists(t, snap.Layout.UnitPath())
}

func TestFinalize_BuildFailureYieldsNoPath(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{exitCode: 101}
	o := newTestOrchestrator(t, t.TempDir(), tc)

	_, err := o.Contribute(ctx, "bad", "fn broken", "fn broken( {")
	require.NoError(t, err)

	res, err := o.Finalize(ctx, "bad")
	assert.Nil(t, res)

	var bf *builder.BuildFailure
	require.True(t, errors.As(err, &bf))
	assert.Equal(t, 101, bf.ExitCode)
	assert.Contains(t, bf.Stderr, "could not compile")

	// Lock released and state untouched by the failed build.
	snap, err := o.Inspect(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, StateContributing, snap.Status.State)
	assert.Empty(t, snap.Status.ArtifactPath)
}

func TestFinalize_MissingArtifact(t *testing.T) {
	o := newTestOrchestrator(t, t.TempDir(), &fakeToolchain{noOutput: true})

	_, err := o.Finalize(context.Background(), "m")
	assert.ErrorIs(t, err, builder.ErrMissingArtifact)
}

func TestFinalize_CorruptStore(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{}
	o := newTestOrchestrator(t, t.TempDir(), tc)

	_, err := o.Init(ctx, "c", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(o.Layout("c").StoreFilePath(), []byte("{truncated"), 0644))

	_, err = o.Finalize(ctx, "c")
	assert.ErrorIs(t, err, fragment.ErrStoreCorrupted)
	assert.Equal(t, int32(0), tc.calls.Load())
}

// Concurrent contributors never lose an update.
func TestContribute_ConcurrentNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	const workers, perWorker = 6, 8

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		// A separate Orchestrator per worker stands in for a separate process.
		o := newTestOrchestrator(t, root, &fakeToolchain{})
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("fn w%d_%d", w, i)
				_, err := o.Contribute(ctx, "conc", id, id+"() {}")
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	snap, err := newTestOrchestrator(t, root, &fakeToolchain{}).Inspect(ctx, "conc")
	require.NoError(t, err)
	assert.Len(t, snap.Fragments, workers*perWorker)
}

func TestFinalize_ConcurrentCallsShareBuild(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{delay: 100 * time.Millisecond}
	o := newTestOrchestrator(t, t.TempDir(), tc)

	_, err := o.Contribute(ctx, "sf", "fn a", "fn a() {}")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*FinalizeResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Finalize(ctx, "sf")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Less(t, tc.calls.Load(), int32(len(results)))
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].ArtifactPath, r.ArtifactPath)
	}
}

func TestFinalize_WriteSplitsSharedBuild(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{gate: make(chan struct{})}
	o := newTestOrchestrator(t, t.TempDir(), tc)
	name := o.ProjectName("gen")

	first := make(chan *FinalizeResult, 1)
	go func() {
		res, err := o.Finalize(ctx, "gen")
		assert.NoError(t, err)
		first <- res
	}()
	require.Eventually(t, func() bool { return tc.calls.Load() == 1 }, 5*time.Second, time.Millisecond)

	// A completed write moves later callers off the build in flight.
	keyBefore := o.flightKey(name)
	o.bump(name)
	assert.NotEqual(t, keyBefore, o.flightKey(name))

	second := make(chan *FinalizeResult, 1)
	go func() {
		res, err := o.Finalize(ctx, "gen")
		assert.NoError(t, err)
		second <- res
	}()
	// Let the second caller reach the project lock behind the first build.
	time.Sleep(50 * time.Millisecond)

	close(tc.gate)
	r1, r2 := <-first, <-second
	require.NotNil(t, r1)
	require.NotNil(t, r2)
	assert.False(t, r2.Shared)
	assert.Equal(t, int32(2), tc.calls.Load())
	assert.NotEqual(t, r1.CycleID, r2.CycleID)
}

func TestFinalize_AfterContributeIncludesFragment(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{}
	o := newTestOrchestrator(t, t.TempDir(), tc)
	name := o.ProjectName("inc")

	key := o.flightKey(name)
	_, err := o.Contribute(ctx, "inc", "fn late", "fn late() {}")
	require.NoError(t, err)
	assert.NotEqual(t, key, o.flightKey(name))

	key = o.flightKey(name)
	_, err = o.Init(ctx, "inc", nil)
	require.NoError(t, err)
	assert.NotEqual(t, key, o.flightKey(name))

	_, err = o.Contribute(ctx, "inc", "fn late", "fn late() {}")
	require.NoError(t, err)
	res, err := o.Finalize(ctx, "inc")
	require.NoError(t, err)
	assert.False(t, res.Shared)
	assert.Equal(t, testPreamble+"\nfn late() {}\n", tc.lastUnit())
}

func TestBadgerBackend(t *testing.T) {
	ctx := context.Background()
	tc := &fakeToolchain{}
	o := newTestOrchestrator(t, t.TempDir(), tc, func(opts *Options) { opts.Backend = fragment.BackendBadger })

	_, err := o.Init(ctx, "bg", nil)
	require.NoError(t, err)
	_, err = o.Contribute(ctx, "bg", "fn z", "fn z() {}")
	require.NoError(t, err)
	_, err = o.Contribute(ctx, "bg", "enum A", "enum A {}")
	require.NoError(t, err)

	_, err = o.Finalize(ctx, "bg")
	require.NoError(t, err)
	assert.Equal(t, "PRE\nenum A {}\nfn z() {}\n", tc.lastUnit())
	assert.DirExists(t, o.Layout("bg").StoreDirPath())
	assert.NoFileExists(t, o.Layout("bg").StoreFilePath())
}

func TestSessionScope(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	o := newTestOrchestrator(t, root, &fakeToolchain{}, func(opts *Options) { opts.LockScope = lock.ScopeSession })

	_, err := o.Contribute(ctx, "one", "fn a", "fn a() {}")
	require.NoError(t, err)
	_, err = o.Contribute(ctx, "two", "fn b", "fn b() {}")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(root, lock.SessionLockName))

	snap, err := o.Inspect(ctx, "two")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, lock.SessionLockName), snap.LockPath)
	require.NotNil(t, snap.Holder)
	assert.Equal(t, "two_kernel", snap.Holder.Project)
}

func TestInspect_RendersUnit(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, t.TempDir(), &fakeToolchain{})

	_, err := o.Contribute(ctx, "i", "trait T", "trait T {}")
	require.NoError(t, err)

	snap, err := o.Inspect(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, "PRE\ntrait T {}\n", snap.Unit)
	// Inspect never writes the unit.
	assert.NoFileExists(t, snap.Layout.UnitPath())
}
