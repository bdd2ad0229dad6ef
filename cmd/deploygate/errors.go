// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes are distinct per failing phase family. Scripts and CI gate
// on these, so the mapping is part of the tool's contract. A failed
// rollback does not change the code; it is reported through the final
// run state and message.
const (
	// ExitOK means the deployment committed.
	ExitOK = 0

	// ExitValidation means the config or stack descriptor failed
	// validation. Nothing was touched. Also used for usage errors.
	ExitValidation = 1

	// ExitBuild means an image build failed. The running stack was never
	// touched, so there is nothing to roll back.
	ExitBuild = 2

	// ExitBoot means the stack failed while being replaced: stop, start,
	// or health wait. Whether the rollback succeeded is reported in the
	// run state, not the exit code.
	ExitBoot = 3

	// ExitSmoke means the stack came up healthy but failed its smoke
	// tests.
	ExitSmoke = 4

	// ExitCleanup means an otherwise successful run failed to tear down
	// its scaffolding.
	ExitCleanup = 5
)

// ConfigError reports a config or descriptor defect found before any
// mutation. The validator collects every defect it finds, so one error
// carries the complete report.
type ConfigError struct {
	// Path is the file the validation ran against.
	Path string

	// Defects lists every structural problem found.
	Defects []string

	// Err is the underlying error, when one exists.
	Err error
}

func (e *ConfigError) Error() string {
	msg := "validation failed"
	if e.Path != "" {
		msg += " for " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Defects) > 0 {
		msg += fmt.Sprintf(" (%d defects):\n  ", len(e.Defects)) + strings.Join(e.Defects, "\n  ")
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BuildError reports a failed image build. Builds run before the old
// stack is touched, so a BuildError never triggers a rollback.
type BuildError struct {
	// Service is the descriptor service whose build failed.
	Service string

	// Image is the tag that was being built.
	Image string

	// ExitCode is the build process exit code.
	ExitCode int

	// LogTail holds the last lines of the build output.
	LogTail []string

	// Err is the underlying process error.
	Err error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build failed for service %s (image %s, exit %d)", e.Service, e.Image, e.ExitCode)
	if len(e.LogTail) > 0 {
		msg += "\n--- last build output ---\n" + strings.Join(e.LogTail, "\n")
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// BootError reports a failure while replacing the running stack: stopping
// the old release, starting the new one, or waiting for health. These
// failures make the run rollback-eligible when a backup exists.
type BootError struct {
	// Service is the service involved, when one is identifiable.
	Service string

	// Reason describes what went wrong.
	Reason string

	// LogTail holds the last container log lines, when captured.
	LogTail []string

	// Err is the underlying error.
	Err error
}

func (e *BootError) Error() string {
	msg := "stack boot failed"
	if e.Service != "" {
		msg += " for service " + e.Service
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.LogTail) > 0 {
		msg += "\n--- last container logs ---\n" + strings.Join(e.LogTail, "\n")
	}
	return msg
}

func (e *BootError) Unwrap() error { return e.Err }

// ProbeFailure is one failed smoke check.
type ProbeFailure struct {
	// Name identifies the probe.
	Name string

	// Detail describes the mismatch ("status 500, want 200").
	Detail string
}

// SmokeTestError reports failed smoke tests against an otherwise healthy
// stack. Rollback-eligible.
type SmokeTestError struct {
	// Failures lists every assertion that failed; the runner does not
	// stop at the first one so the report is complete.
	Failures []ProbeFailure

	// Err is set when the smoke phase itself broke (suite could not run).
	Err error
}

func (e *SmokeTestError) Error() string {
	if len(e.Failures) == 0 && e.Err != nil {
		return "smoke tests failed to run: " + e.Err.Error()
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("  %s: %s", f.Name, f.Detail)
	}
	return fmt.Sprintf("smoke tests failed (%d):\n%s", len(e.Failures), strings.Join(parts, "\n"))
}

func (e *SmokeTestError) Unwrap() error { return e.Err }

// RollbackError reports that the rollback itself failed after a
// deployment failure. Cause is the deployment failure that triggered the
// rollback; Err is what broke during restoration. This is the terminal
// "operator needed" state; there is no second automatic rollback.
type RollbackError struct {
	Cause error
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v (deployment had failed with: %v)", e.Err, e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// CleanupError reports a teardown failure on an otherwise successful run.
type CleanupError struct {
	Err error
}

func (e *CleanupError) Error() string {
	return "cleanup failed: " + e.Err.Error()
}

func (e *CleanupError) Unwrap() error { return e.Err }

// exitCodeFor maps a pipeline error to the process exit code by the
// failing phase family. A RollbackError maps by its cause: the phase that
// originally failed determines the code, and the rollback outcome is
// reported through the run state.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}

	var rbErr *RollbackError
	if errors.As(err, &rbErr) {
		return exitCodeFor(rbErr.Cause)
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return ExitValidation
	}

	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return ExitBuild
	}

	var bootErr *BootError
	if errors.As(err, &bootErr) {
		return ExitBoot
	}

	var smokeErr *SmokeTestError
	if errors.As(err, &smokeErr) {
		return ExitSmoke
	}

	var cleanErr *CleanupError
	if errors.As(err, &cleanErr) {
		return ExitCleanup
	}

	return ExitValidation
}
