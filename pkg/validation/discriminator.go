// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for values that end
// up in file paths or subprocess arguments.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxDiscriminatorLength bounds a discriminator so project directory names
// stay well under filesystem limits.
const MaxDiscriminatorLength = 64

// discriminatorPattern matches a single path component.
// Allows: letters, digits, dot, underscore, hyphen. Must start alphanumeric.
var discriminatorPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateDiscriminator checks that a project discriminator is safe to use
// as a directory name under the sources root.
//
// Rejected:
//   - empty values
//   - path separators and traversal ("..", "a/b", "a\b")
//   - whitespace, control characters and non-ASCII
//   - a leading dot or hyphen
//
// Example:
//
//	if err := validation.ValidateDiscriminator(disc); err != nil {
//	    return fmt.Errorf("invalid discriminator: %w", err)
//	}
func ValidateDiscriminator(disc string) error {
	if disc == "" {
		return fmt.Errorf("discriminator cannot be empty")
	}
	if len(disc) > MaxDiscriminatorLength {
		return fmt.Errorf("discriminator is %d bytes, limit is %d", len(disc), MaxDiscriminatorLength)
	}
	if !discriminatorPattern.MatchString(disc) || strings.Contains(disc, "..") {
		return fmt.Errorf("invalid discriminator %q (letters, digits, '.', '_' and '-' only, starting with a letter or digit)", disc)
	}
	return nil
}

// SanitizeDiscriminator trims whitespace and validates the result. An empty
// or blank input is returned as "" and selects the bare project suffix.
func SanitizeDiscriminator(disc string) (string, error) {
	trimmed := strings.TrimSpace(disc)
	if trimmed == "" {
		return "", nil
	}
	if err := ValidateDiscriminator(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
