// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLockHeld is returned by Acquire when another pipeline run holds the lock.
var ErrLockHeld = errors.New("another deploygate run is in progress")

// LockConfig configures lock file placement.
type LockConfig struct {
	// Dir is the directory for lock files.
	// Default: system temp directory
	Dir string

	// Name is the base name for lock files.
	// Default: "deploygate"
	Name string
}

// DefaultLockConfig returns the default lock placement.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Dir:  os.TempDir(),
		Name: "deploygate",
	}
}

// Lock prevents concurrent pipeline runs using flock(2).
//
// # Description
//
// Two overlapping runs would interleave mutations of the same stack: one
// starting containers while the other removes them, or both rotating the
// backup store. Lock makes the second invocation fail immediately with the
// PID of the holder.
//
// # How It Works
//
//  1. Creates {Dir}/{Name}.lock and takes an exclusive non-blocking flock
//  2. Writes the PID to {Dir}/{Name}.pid for operator diagnostics
//  3. Release removes the PID file and drops the flock
//
// The OS releases the flock automatically if the process dies, so a
// crashed run never wedges the pipeline.
//
// # Thread Safety
//
// NOT safe for concurrent use from multiple goroutines; the lock
// synchronizes processes, not goroutines. Use from main only.
type Lock struct {
	config   LockConfig
	lockPath string
	pidPath  string
	file     *os.File
	held     bool
}

// NewLock creates a Lock. Does not acquire it.
func NewLock(cfg LockConfig) *Lock {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.Name == "" {
		cfg.Name = "deploygate"
	}
	return &Lock{
		config:   cfg,
		lockPath: filepath.Join(cfg.Dir, cfg.Name+".lock"),
		pidPath:  filepath.Join(cfg.Dir, cfg.Name+".pid"),
	}
}

// Acquire attempts to take the exclusive lock.
//
// Returns ErrLockHeld (with the holder's PID when known) if another
// process has it. Returns other errors for filesystem failures.
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if pid := l.HolderPID(); pid > 0 {
			return fmt.Errorf("%w (pid %d)", ErrLockHeld, pid)
		}
		return ErrLockHeld
	}

	l.file = f
	l.held = true

	// Best effort; the flock is authoritative, the PID file is advisory.
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644)

	return nil
}

// Release drops the lock if held. Safe to call multiple times.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}

	_ = os.Remove(l.pidPath)

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	l.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return closeErr
}

// IsHeld reports whether this instance holds the lock.
func (l *Lock) IsHeld() bool {
	return l.held
}

// HolderPID returns the PID recorded by the current holder, or 0 when
// unknown. The value is advisory and may be stale.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
