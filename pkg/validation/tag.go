// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for values that reach
// subprocess calls or file paths.
//
// Release tags become image references and engine command arguments, and
// backup identifiers become directory names. Validating them at the
// entry point keeps shell metacharacters and path traversal out of
// everything downstream.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// tagPattern matches valid image tags per the OCI distribution spec:
// up to 128 characters from [A-Za-z0-9_.-], not starting with a
// separator.
var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]{0,127}$`)

// backupIDPattern matches backup identifiers as the backup store writes
// them: a compact UTC timestamp, a hyphen, a short run id, and an
// optional sequence number for same-second snapshots.
var backupIDPattern = regexp.MustCompile(`^[0-9]{8}T[0-9]{6}-[0-9a-f]{1,8}(-[0-9]+)?$`)

// ValidateReleaseTag validates a release tag before it is embedded in
// image references and passed to the container engine.
//
// Valid tags:
//   - 1-128 characters
//   - Letters, digits, underscores, dots, hyphens
//   - Must not start with a dot or hyphen
//
// Returns an error describing the constraint when the tag is invalid.
func ValidateReleaseTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("release tag cannot be empty")
	}
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("invalid release tag %q (1-128 chars: letters, digits, underscore, dot, hyphen; must not start with a separator)", tag)
	}
	return nil
}

// ValidateBackupID validates a backup identifier before it is joined
// into a filesystem path under the backup store.
func ValidateBackupID(id string) error {
	if id == "" {
		return fmt.Errorf("backup id cannot be empty")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid backup id %q: path separators not allowed", id)
	}
	if !backupIDPattern.MatchString(id) {
		return fmt.Errorf("invalid backup id %q (expected <timestamp>-<run id>, e.g. 20250115T093000-1a2b3c4d)", id)
	}
	return nil
}
