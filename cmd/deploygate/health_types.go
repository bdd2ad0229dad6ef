// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"time"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
)

// CheckResult is the outcome of a single health probe.
type CheckResult struct {
	// Service is the descriptor service that was probed.
	Service string

	// Healthy reports whether the probe passed.
	Healthy bool

	// Detail explains the state ("status 200", "connection refused",
	// "container exited with code 137").
	Detail string

	// Fatal marks states that polling can never recover from, such as a
	// container that has exited. Pollers stop immediately instead of
	// burning the rest of the timeout.
	Fatal bool

	// Elapsed is how long the probe took.
	Elapsed time.Duration

	// Attempts is how many probes have run against the service so far,
	// this one included. Filled by pollers that retry; a bare CheckOnce
	// reports 1.
	Attempts int

	// CheckedAt is when the probe started.
	CheckedAt time.Time
}

// HealthPoller observes service readiness.
//
// # Description
//
// A service is healthy when its declared signal passes: an HTTP endpoint
// returns the expected status, a TCP port accepts connections, or the
// container runtime reports the container healthy (or running, for images
// without a healthcheck). Polling repeats the probe at a fixed interval
// until it passes, turns fatal, or the timeout expires.
type HealthPoller interface {
	// CheckOnce runs the service's probe a single time.
	CheckOnce(ctx context.Context, svc *config.Service) CheckResult

	// WaitFor polls until the service is healthy. Returns nil on success,
	// or an error carrying the last probe detail on timeout, fatal state,
	// or cancellation.
	WaitFor(ctx context.Context, svc *config.Service) error

	// WaitAll waits for every service concurrently, failing fast: the
	// first failure cancels the remaining waits.
	WaitAll(ctx context.Context, svcs []*config.Service) error
}
