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
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/fragment"
)

// DefaultMinInterval is the minimum spacing between watch-triggered builds.
const DefaultMinInterval = 2 * time.Second

// Watcher re-finalizes a project whenever its fragment store changes.
//
// # Description
//
// The project directory is watched with fsnotify for changes to the JSON
// store or the lifecycle record, which every Contribute rewrites. Bursts
// collapse into one pending check, checks are spaced by a token-bucket
// limiter, and a build runs only when the stored fragments differ from
// the last build. Build failures are reported to the callback and
// watching continues.
type Watcher struct {
	orch          *Orchestrator
	discriminator string
	limiter       *rate.Limiter
}

// NewWatcher creates a Watcher. A non-positive minInterval uses
// DefaultMinInterval.
func (o *Orchestrator) NewWatcher(discriminator string, minInterval time.Duration) *Watcher {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Watcher{
		orch:          o,
		discriminator: discriminator,
		limiter:       rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Run builds once, then rebuilds on every store change until ctx is done.
//
// # Outputs
//
//   - error: nil when ctx is cancelled; watcher setup failures otherwise.
func (w *Watcher) Run(ctx context.Context, onResult func(*FinalizeResult, error)) error {
	layout := w.orch.Layout(w.discriminator)
	logger := w.orch.logger.With("project", layout.Name)

	if err := os.MkdirAll(layout.Dir(), 0755); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(layout.Dir()); err != nil {
		return fmt.Errorf("watching %s: %w", layout.Dir(), err)
	}

	trigger := make(chan struct{}, 1)
	trigger <- struct{}{}
	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	var built fragment.Set
	buildDone := make(chan struct{})
	defer func() {
		cancel()
		<-buildDone
	}()
	go func() {
		defer close(buildDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}

			snap, err := w.orch.Inspect(ctx, w.discriminator)
			if err == nil && built != nil && snap.Fragments.Equal(built) {
				continue
			}

			res, err := w.orch.Finalize(ctx, w.discriminator)
			if ctx.Err() != nil {
				return
			}
			if err == nil && snap != nil {
				built = snap.Fragments
			}
			if onResult != nil {
				onResult(res, err)
			}
		}
	}()

	logger.Info("watching fragment store", "dir", layout.Dir())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.isStoreEvent(ev) {
				logger.Debug("store changed", "event", ev.String())
				notify()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				notify()
				continue
			}
			logger.Warn("watch error", "error", err)
		}
	}
}

// isStoreEvent reports whether ev touches the JSON store or the
// lifecycle record.
func (w *Watcher) isStoreEvent(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	layout := w.orch.Layout(w.discriminator)
	switch filepath.Clean(ev.Name) {
	case filepath.Clean(layout.StoreFilePath()), filepath.Clean(layout.StatePath()):
		return true
	}
	return false
}
