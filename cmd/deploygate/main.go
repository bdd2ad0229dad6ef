// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// deploygate is a gated, fail-fast deployment pipeline for container
// stacks: validate, backup, build, swap, verify, and roll back
// automatically when verification fails.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// An interrupt cancels the run's context; the sequencer's cleanup
	// guard runs before the process exits, so an aborted deploy leaves
	// no half-started scaffolding behind.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	if err == nil {
		return
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		fmt.Fprintln(os.Stderr, "error: "+cmdErr.Error())
		if cmdErr.Hint != "" {
			fmt.Fprintln(os.Stderr, "hint: "+cmdErr.Hint)
		}
		os.Exit(cmdErr.Code)
	}

	fmt.Fprintln(os.Stderr, "error: "+err.Error())
	os.Exit(commandExitCode(err))
}
