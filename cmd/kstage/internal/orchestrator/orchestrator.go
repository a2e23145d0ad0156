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
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/builder"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/fragment"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/lock"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/preamble"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/project"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/reconstruct"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/scaffold"
	"github.com/AleutianAI/kstage/cmd/kstage/internal/telemetry"
	"github.com/AleutianAI/kstage/pkg/logging"
)

// Options configures an Orchestrator. Zero values select defaults.
type Options struct {
	SourcesRoot string
	Suffix      string
	Backend     fragment.Backend
	LockScope   lock.Scope
	Artifact    project.ArtifactLayout
	Toolchain   builder.Config
	Runner      builder.Runner
	Preamble    preamble.Provider
	Logger      *logging.Logger
	Telemetry   *telemetry.Telemetry
}

// InitResult is returned by Init.
type InitResult struct {
	Project string
	Layout  project.Layout

	// Stub is the host-side preamble for type-checking caller code.
	Stub string
}

// ContributeResult is returned by Contribute.
type ContributeResult struct {
	Project  string
	ID       string
	Replaced bool
}

// FinalizeResult is returned by Finalize.
type FinalizeResult struct {
	Project      string
	ArtifactPath string
	CycleID      string
	SourceHash   string
	Fragments    int
	Duration     time.Duration

	// Shared is true when this caller joined a build already in flight.
	Shared bool
}

// Snapshot is a read-only view of a project, returned by Inspect.
type Snapshot struct {
	Project   string
	Layout    project.Layout
	Status    Status
	Fragments fragment.Set
	Unit      string
	LockPath  string
	Holder    *lock.Holder
}

// Orchestrator sequences Init, Contribute and Finalize for staged projects.
//
// # Description
//
// Every operation resolves the project name, takes the project lock,
// does its work, and releases the lock on every path. Independent
// processes constructing their own Orchestrator over the same sources
// root coordinate only through the filesystem.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	opts       Options
	scaffolder *scaffold.Scaffolder
	locks      *lock.Coordinator
	builder    *builder.Builder
	logger     *logging.Logger
	tel        *telemetry.Telemetry
	flight     singleflight.Group

	// generations counts completed writes per project name.
	generations sync.Map
}

// New creates an Orchestrator.
//
// # Outputs
//
//   - *Orchestrator: Ready to use.
//   - error: Invalid lock scope.
func New(opts Options) (*Orchestrator, error) {
	if opts.SourcesRoot == "" {
		opts.SourcesRoot = project.DefaultSourcesRoot
	}
	if opts.Suffix == "" {
		opts.Suffix = project.DefaultSuffix
	}
	if opts.LockScope == "" {
		opts.LockScope = lock.ScopeProject
	}
	if opts.Artifact == (project.ArtifactLayout{}) {
		opts.Artifact = project.DefaultArtifactLayout()
	}
	if opts.Preamble == nil {
		opts.Preamble = preamble.Embedded{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}

	locks, err := lock.NewCoordinator(opts.SourcesRoot, opts.LockScope, opts.Logger.Slog())
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		opts:       opts,
		scaffolder: scaffold.New(opts.SourcesRoot, opts.Artifact),
		locks:      locks,
		builder:    builder.New(opts.Toolchain, opts.Runner, opts.Logger.Slog()),
		logger:     opts.Logger,
		tel:        opts.Telemetry,
	}, nil
}

// ProjectName resolves a discriminator to a project name.
func (o *Orchestrator) ProjectName(discriminator string) string {
	return project.Name(discriminator, o.opts.Suffix)
}

// Layout returns the layout of the project selected by discriminator.
func (o *Orchestrator) Layout(discriminator string) project.Layout {
	return o.scaffolder.Layout(o.ProjectName(discriminator))
}

// Init creates or resets a project.
//
// # Description
//
// Removes any previous unit and fragment store, rewrites the manifest and
// target configuration, and moves the project to StateInitialized. A
// Finalized project returns to Initialized only through Init.
//
// # Inputs
//
//   - discriminator: Project discriminator. Empty selects the bare suffix.
//   - target: Optional architecture override. May be nil.
//
// # Outputs
//
//   - *InitResult: The project name, layout and stub preamble.
//   - error: *scaffold.ScaffoldError or *lock.LockError.
func (o *Orchestrator) Init(ctx context.Context, discriminator string, target *scaffold.TargetConfig) (result *InitResult, err error) {
	name := o.ProjectName(discriminator)
	ctx, done := o.begin(ctx, "init", name)
	defer func() { done(err) }()

	err = o.withLock(ctx, "init", name, func() error {
		layout, err := o.scaffolder.Initialize(name, target)
		if err != nil {
			return err
		}
		st := Status{State: StateInitialized}
		if target != nil {
			st.Arch = target.Arch
		}
		o.saveStatus(layout, st)

		o.bump(name)

		result = &InitResult{
			Project: name,
			Layout:  layout,
			Stub:    o.opts.Preamble.Preamble(preamble.VariantStub),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ContributeItem derives the identifier from kind and item name and
// contributes text under it.
func (o *Orchestrator) ContributeItem(ctx context.Context, discriminator string, kind fragment.Kind, itemName, text string) (*ContributeResult, error) {
	return o.Contribute(ctx, discriminator, fragment.Identifier(kind, itemName), text)
}

// Contribute records one fragment.
//
// # Description
//
// Load, overwrite id, save, all under the project lock. Contributions may
// arrive in any order from any process. The last write per identifier
// wins. A project that was never initialized gets its store created
// implicitly.
//
// # Outputs
//
//   - *ContributeResult: Whether an earlier fragment was replaced.
//   - error: Store, lock or validation errors.
func (o *Orchestrator) Contribute(ctx context.Context, discriminator, id, text string) (result *ContributeResult, err error) {
	name := o.ProjectName(discriminator)
	ctx, done := o.begin(ctx, "contribute", name, attribute.String("kstage.fragment", id))
	defer func() { done(err) }()

	err = o.withLock(ctx, "contribute", name, func() error {
		layout := o.scaffolder.Layout(name)
		st := o.loadStatus(layout)

		switch st.State {
		case StateUninitialized:
			o.logger.Info("project not initialized, creating store implicitly", "project", name)
		case StateFinalized:
			o.logger.Warn("contributing to a finalized project; finalize again to rebuild", "project", name)
		}
		if fragment.IsSentinel(id) {
			o.logger.Warn("fragment has no recognizable kind; all such fragments share one identifier",
				"project", name, "fragment", id)
		}

		store, err := fragment.NewStore(o.opts.Backend, layout, o.logger.Slog())
		if err != nil {
			return err
		}
		replaced, err := fragment.Upsert(ctx, store, id, text)
		if err != nil {
			return err
		}
		if replaced {
			o.logger.Debug("fragment replaced", "project", name, "fragment", id)
		}

		st.State = StateContributing
		o.saveStatus(layout, st)

		o.bump(name)

		result = &ContributeResult{Project: name, ID: id, Replaced: replaced}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Finalize reconstructs the unit and builds it.
//
// # Description
//
// Under the project lock: rebuild src/lib.rs from the preamble and every
// stored fragment in identifier order, then run the toolchain. Zero
// contributions is valid and yields a preamble-only unit.
//
// Concurrent Finalize calls for the same project within this process share
// one build, unless an Init or Contribute through this Orchestrator
// completed after that build was requested. A caller that contributes and
// then finalizes therefore always gets a build that includes its fragment.
// Writes made by other processes do not split a shared build. Callers in
// other processes serialize on the lock.
//
// # Outputs
//
//   - *FinalizeResult: The artifact path and build metadata.
//   - error: *builder.BuildFailure, store, lock or write errors. No
//     artifact path is ever returned with an error.
func (o *Orchestrator) Finalize(ctx context.Context, discriminator string) (*FinalizeResult, error) {
	name := o.ProjectName(discriminator)

	v, err, shared := o.flight.Do(o.flightKey(name), func() (any, error) {
		return o.finalize(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*FinalizeResult)
	res.Shared = shared
	return &res, nil
}

func (o *Orchestrator) finalize(ctx context.Context, name string) (result *FinalizeResult, err error) {
	ctx, done := o.begin(ctx, "finalize", name)
	defer func() { done(err) }()

	err = o.withLock(ctx, "finalize", name, func() error {
		layout := o.scaffolder.Layout(name)
		st := o.loadStatus(layout)

		store, err := fragment.NewStore(o.opts.Backend, layout, o.logger.Slog())
		if err != nil {
			return err
		}
		unit, err := reconstruct.Reconstruct(ctx, store, o.opts.Preamble.Preamble(preamble.VariantReal), layout.UnitPath())
		if err != nil {
			return err
		}
		o.tel.RecordFragments(ctx, len(unit.Fragments))
		o.logger.Info("unit reconstructed",
			"project", name,
			"fragments", len(unit.Fragments),
			"bytes", unit.Bytes,
		)

		build, err := o.builder.Build(ctx, layout)
		if err != nil {
			var bf *builder.BuildFailure
			if errors.As(err, &bf) {
				o.logger.Error("build failed",
					"project", name,
					"exit_code", bf.ExitCode,
					"missing_artifact", bf.MissingArtifact,
				)
			}
			return err
		}

		st.State = StateFinalized
		st.ArtifactPath = build.ArtifactPath
		st.CycleID = build.CycleID
		st.SourceHash = build.SourceHash
		st.Fragments = len(unit.Fragments)
		o.saveStatus(layout, st)

		result = &FinalizeResult{
			Project:      name,
			ArtifactPath: build.ArtifactPath,
			CycleID:      build.CycleID,
			SourceHash:   build.SourceHash,
			Fragments:    len(unit.Fragments),
			Duration:     build.Duration,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Inspect returns the stored fragments, lifecycle record and rendered unit
// of a project without modifying it.
func (o *Orchestrator) Inspect(ctx context.Context, discriminator string) (*Snapshot, error) {
	name := o.ProjectName(discriminator)
	layout := o.scaffolder.Layout(name)

	// Read before acquiring, or the record would always name this process.
	holder, err := lock.ReadHolder(o.locks.Path(name))
	if err != nil {
		o.logger.Debug("lock holder unreadable", "error", err)
	}

	var snap *Snapshot
	err = o.withLock(ctx, "inspect", name, func() error {
		store, err := fragment.NewStore(o.opts.Backend, layout, o.logger.Slog())
		if err != nil {
			return err
		}
		set, err := store.Load(ctx)
		if err != nil {
			return err
		}
		snap = &Snapshot{
			Project:   name,
			Layout:    layout,
			Status:    o.loadStatus(layout),
			Fragments: set,
			Unit:      reconstruct.Render(o.opts.Preamble.Preamble(preamble.VariantReal), set),
			LockPath:  o.locks.Path(name),
			Holder:    holder,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// flightKey is the singleflight key of a Finalize for name. It changes with
// every completed write, so later callers never join an older build.
func (o *Orchestrator) flightKey(name string) string {
	return fmt.Sprintf("%s@%d", name, o.generation(name).Load())
}

func (o *Orchestrator) generation(name string) *atomic.Uint64 {
	v, _ := o.generations.LoadOrStore(name, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// bump records a completed write. Called with the project lock held.
func (o *Orchestrator) bump(name string) {
	o.generation(name).Add(1)
}

// withLock runs fn under the project lock and records the wait.
func (o *Orchestrator) withLock(ctx context.Context, op, name string, fn func() error) (err error) {
	h, err := o.locks.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	o.tel.RecordLockWait(ctx, op, h.Waited())
	return fn()
}

// begin opens the span and start log line of an operation. The returned
// func closes both and records metrics.
func (o *Orchestrator) begin(ctx context.Context, op, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := o.tel.StartSpan(ctx, op, name, attrs...)
	o.logger.Debug(op+" started", "project", name)

	return ctx, func(err error) {
		d := time.Since(start)
		o.tel.RecordOperation(ctx, op, d, err)
		finish(span, err)
		if err != nil {
			o.logger.Error(op+" failed", "project", name, "duration_ms", d.Milliseconds(), "error", err)
			return
		}
		o.logger.Info(op+" completed", "project", name, "duration_ms", d.Milliseconds())
	}
}

func finish(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	span.End()
}

func (o *Orchestrator) loadStatus(layout project.Layout) Status {
	st, err := loadStatus(layout.StatePath())
	if err != nil {
		o.logger.Warn("lifecycle record unreadable, treating as uninitialized",
			"project", layout.Name, "error", err)
	}
	return st
}

// saveStatus persists the lifecycle record. Failure is logged, never fatal.
func (o *Orchestrator) saveStatus(layout project.Layout, st Status) {
	if err := saveStatus(layout.StatePath(), st); err != nil {
		o.logger.Warn("failed to persist lifecycle record",
			"project", layout.Name, "state", string(st.State), "error", err)
	}
}

// Exists reports whether the project directory has been created.
func (o *Orchestrator) Exists(discriminator string) (bool, error) {
	_, err := os.Stat(o.Layout(discriminator).Dir())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat project: %w", err)
}
