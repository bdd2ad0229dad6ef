// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import "time"

// Timeout floors. Values below these come from misconfiguration (a "10"
// that meant seconds but parsed as nanoseconds) and would make every
// phase fail instantly, so they are raised rather than honored.
const (
	// MinBuildTimeout floors the image build window.
	MinBuildTimeout = 30 * time.Second

	// MinHealthTimeout floors the per-service health wait.
	MinHealthTimeout = 1 * time.Second

	// MinSmokeTimeout floors the smoke-test phase.
	MinSmokeTimeout = 1 * time.Second

	// MinStopGrace floors the graceful stop window.
	MinStopGrace = 1 * time.Second
)

// enforceMinTimeout raises d to min when it is set below it. Zero is
// returned unchanged; defaults are applied earlier by config loading.
func enforceMinTimeout(d, min time.Duration) time.Duration {
	if d > 0 && d < min {
		return min
	}
	return d
}
