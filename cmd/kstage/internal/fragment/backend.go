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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/kstage/cmd/kstage/internal/project"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendJSON   Backend = "json"
	BackendBadger Backend = "badger"
)

// NewStore returns the store for a project layout.
//
// An empty backend means BackendJSON.
func NewStore(backend Backend, layout project.Layout, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return NewFileStore(layout.StoreFilePath()), nil
	case BackendBadger:
		return NewBadgerStore(layout.StoreDirPath(), logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
