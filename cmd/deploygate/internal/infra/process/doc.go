// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package process provides abstractions for external process execution and
inter-process synchronization.

# Overview

This package contains two components:

  - Manager: abstracts external process execution for testability
  - Lock: file-based locking to prevent concurrent pipeline runs

# Manager

All exec.Command calls in the pipeline go through Manager so unit tests can
substitute a mock. The container runtime, the compose frontend, and the
SSH/rsync remote channel are all reached this way.

	pm := process.NewDefaultManager()
	res, err := pm.Run(ctx, "docker", "ps", "-q")
	if err != nil {
	    return fmt.Errorf("failed to list containers: %w", err)
	}

For testing, use MockManager:

	mock := &process.MockManager{
	    RunWithFunc: func(ctx context.Context, opts process.RunOptions) (*process.Result, error) {
	        return &process.Result{Stdout: "mock"}, nil
	    },
	}

# Lock

Lock enforces "one pipeline run at a time" with flock(2) advisory locking.
A deploy that mutates the stack while another run is mid-rollback would
corrupt both; the lock makes the second invocation fail fast instead.

	lock := process.NewLock(process.DefaultLockConfig())
	if err := lock.Acquire(); err != nil {
	    fmt.Fprintln(os.Stderr, err)
	    os.Exit(1)
	}
	defer lock.Release()

# Limitations

  - Advisory locks only; cooperating processes must check
  - flock does not work reliably on NFS mounts
*/
package process
