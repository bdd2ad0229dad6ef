// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	// ErrBinaryNotFound is returned when the requested binary is not in PATH.
	ErrBinaryNotFound = errors.New("binary not found")

	// ErrInvalidEnvVar is returned when an environment variable key is
	// malformed. This prevents config injection through crafted keys.
	ErrInvalidEnvVar = errors.New("invalid environment variable")
)

// envVarKeyRegex validates environment variable key names: must start with
// a letter or underscore and contain only alphanumerics and underscores.
var envVarKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Result holds the outcome of a completed command.
type Result struct {
	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// ExitCode is the process exit code (-1 if the process never ran).
	ExitCode int

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// RunOptions configures a single command execution.
type RunOptions struct {
	// Name is the binary to execute. Required.
	Name string

	// Args are the command arguments.
	Args []string

	// Dir pins the working directory. Empty means the caller's cwd.
	Dir string

	// Env contains extra environment variables appended to the parent
	// environment. Keys are validated against envVarKeyRegex.
	Env map[string]string

	// Stdout, when non-nil, receives output as it is produced instead of
	// being captured into Result.Stdout. Used for streaming logs and for
	// bounded tail capture.
	Stdout io.Writer

	// Stderr mirrors Stdout for standard error.
	Stderr io.Writer

	// Stdin, when non-nil, is connected to the process's standard input.
	Stdin io.Reader
}

// Manager abstracts external process execution.
//
// # Description
//
// Manager is the single seam between the pipeline and the operating
// system. Every interaction with docker, docker compose, ssh, and rsync
// goes through this interface so components can be unit tested against
// MockManager without a container runtime present.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; each call spawns an
// independent process.
type Manager interface {
	// Run executes a command and captures its output.
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// RunWith executes a command with full control over directory,
	// environment, and output destinations.
	RunWith(ctx context.Context, opts RunOptions) (*Result, error)

	// LookPath reports whether the binary is available, returning its
	// resolved path.
	LookPath(name string) (string, error)
}

// DefaultManager implements Manager with os/exec.
type DefaultManager struct{}

// NewDefaultManager creates the production Manager.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run executes a command and captures stdout/stderr.
//
// # Inputs
//
//   - ctx: cancellation and deadline; the process is killed on expiry
//   - name: binary name, resolved through PATH
//   - args: command arguments
//
// # Outputs
//
//   - *Result: always non-nil when the process started, so callers can
//     report partial output on failure
//   - error: non-nil for start failures, non-zero exit, or cancellation
func (m *DefaultManager) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return m.RunWith(ctx, RunOptions{Name: name, Args: args})
}

// RunWith executes a command with the given options.
//
// A non-zero exit status is returned as an error, but the Result still
// carries the captured output and exit code for diagnostics. Context
// expiry is surfaced as the context's error wrapped with the command name.
func (m *DefaultManager) RunWith(ctx context.Context, opts RunOptions) (*Result, error) {
	if err := validateEnv(opts.Env); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(opts.Env)
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else {
		cmd.Stdout = &stdoutBuf
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	} else {
		cmd.Stderr = &stderrBuf
	}

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCodeOf(cmd, err),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("%s: %w", opts.Name, ctx.Err())
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return result, fmt.Errorf("%w: %s", ErrBinaryNotFound, opts.Name)
		}
		return result, fmt.Errorf("%s exited with code %d: %w", opts.Name, result.ExitCode, err)
	}
	return result, nil
}

// LookPath resolves a binary through PATH.
func (m *DefaultManager) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
	}
	return path, nil
}

// exitCodeOf extracts the exit code, -1 if the process never ran.
func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// validateEnv rejects malformed environment variable keys.
func validateEnv(env map[string]string) error {
	for k := range env {
		if !envVarKeyRegex.MatchString(k) {
			return fmt.Errorf("%w: %q", ErrInvalidEnvVar, k)
		}
	}
	return nil
}

// mergeEnv appends extra variables to the parent environment in sorted
// key order so command lines are reproducible in logs.
func mergeEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// CommandLine renders a command for log output.
func CommandLine(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// Compile-time interface check
var _ Manager = (*DefaultManager)(nil)

// =============================================================================
// Mock Implementation
// =============================================================================

// MockManager implements Manager for tests.
//
// Each function field may be nil, in which case the call succeeds with an
// empty Result. Calls records every invocation for assertions.
type MockManager struct {
	RunWithFunc  func(ctx context.Context, opts RunOptions) (*Result, error)
	LookPathFunc func(name string) (string, error)

	// Calls records each RunWith invocation as a rendered command line.
	Calls []string
}

// Run delegates to RunWith.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return m.RunWith(ctx, RunOptions{Name: name, Args: args})
}

// RunWith records the call and delegates to RunWithFunc.
func (m *MockManager) RunWith(ctx context.Context, opts RunOptions) (*Result, error) {
	m.Calls = append(m.Calls, CommandLine(opts.Name, opts.Args...))
	if m.RunWithFunc != nil {
		return m.RunWithFunc(ctx, opts)
	}
	return &Result{}, nil
}

// LookPath delegates to LookPathFunc or succeeds.
func (m *MockManager) LookPath(name string) (string, error) {
	if m.LookPathFunc != nil {
		return m.LookPathFunc(name)
	}
	return "/usr/bin/" + name, nil
}

// Compile-time interface check
var _ Manager = (*MockManager)(nil)
