// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/engine"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/util"
	"github.com/l9labs/deploygate/pkg/logging"
)

// StackController starts and stops the service stack.
//
// # Description
//
// Stop is graceful-then-forced: each container gets the configured grace
// window before the engine escalates to SIGKILL, then the container and
// its anonymous volumes are removed. Named volumes are never removed;
// data survives every deploy and rollback.
//
// Start honors the dependency graph: a service's start command is only
// issued once every service it depends on reports healthy. Independent
// services start concurrently. If a dependency never becomes healthy, its
// dependents are never started at all.
type StackController struct {
	eng       engine.Engine
	desc      *config.Descriptor
	poller    HealthPoller
	grace     time.Duration
	tailLines int
	log       *logging.Logger
	printer   *Printer
}

// NewStackController creates a controller for the descriptor's stack.
func NewStackController(cfg *config.Pipeline, desc *config.Descriptor, eng engine.Engine, poller HealthPoller, log *logging.Logger, printer *Printer) *StackController {
	return &StackController{
		eng:       eng,
		desc:      desc,
		poller:    poller,
		grace:     enforceMinTimeout(cfg.Timeouts.StopGrace, MinStopGrace),
		tailLines: cfg.LogTailLines,
		log:       log,
		printer:   printer,
	}
}

// Stop gracefully stops and removes every container of the stack.
//
// Operates on the engine's actual container listing rather than the
// descriptor, so containers from a previous descriptor revision are
// removed too. Idempotent: an already-stopped or empty stack is a no-op.
func (c *StackController) Stop(ctx context.Context) error {
	infos, err := c.eng.ListStack(ctx, c.desc.Project)
	if err != nil {
		return &BootError{Reason: "failed to list running stack", Err: err}
	}
	if len(infos) == 0 {
		c.log.Info("stack already empty", "project", c.desc.Project)
		return nil
	}

	for _, info := range infos {
		c.log.Info("stopping container", "container", info.Name, "grace", c.grace)
		if err := c.eng.StopContainer(ctx, info.Name, c.grace); err != nil {
			return &BootError{Service: info.Service, Reason: "failed to stop container " + info.Name, Err: err}
		}
		if err := c.eng.RemoveContainer(ctx, info.Name); err != nil {
			return &BootError{Service: info.Service, Reason: "failed to remove container " + info.Name, Err: err}
		}
		c.printer.Info("stopped %s", info.Name)
	}
	return nil
}

// Start launches the stack for the release tag in dependency order.
//
// # Description
//
// Each service runs in its own goroutine. Before issuing its start
// command, a service waits for every dependency's healthy signal. After
// starting, the service is polled to health and only then signals its own
// dependents. The first failure cancels everything still waiting, so
// dependents of a failed service are never started.
//
// # Outputs
//
//   - error: a *BootError naming the failed service, with its container
//     log tail attached when the container produced any
func (c *StackController) Start(ctx context.Context, tag string) error {
	if err := c.eng.EnsureNetwork(ctx, c.desc.Network); err != nil {
		return &BootError{Reason: "failed to ensure network " + c.desc.Network, Err: err}
	}

	healthy := make(map[string]chan struct{}, len(c.desc.Services))
	for name := range c.desc.Services {
		healthy[name] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range c.desc.ServiceNames() {
		svc := c.desc.Services[name]
		g.Go(func() error {
			for _, dep := range svc.DependsOn {
				select {
				case <-healthy[dep]:
				case <-gctx.Done():
					// A sibling failed; this service was never started.
					return gctx.Err()
				}
			}
			if err := c.startService(gctx, svc, tag); err != nil {
				return err
			}
			close(healthy[name])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if bootErr, ok := err.(*BootError); ok {
			return bootErr
		}
		return &BootError{Reason: "stack start aborted", Err: err}
	}
	return nil
}

// startService starts one container and waits for it to become healthy.
func (c *StackController) startService(ctx context.Context, svc *config.Service, tag string) error {
	name := c.desc.ContainerNameOf(svc)
	image := c.desc.ImageOf(svc, tag)

	c.log.Info("starting service", "service", svc.Name, "container", name, "image", image)
	if err := c.eng.StartContainer(ctx, engine.ContainerSpec{
		Name:    name,
		Image:   image,
		Network: c.desc.Network,
		Ports:   svc.Ports,
		Env:     svc.Env,
		Service: svc.Name,
		Project: c.desc.Project,
	}); err != nil {
		return &BootError{Service: svc.Name, Reason: "failed to start container", Err: err}
	}

	if err := c.poller.WaitFor(ctx, svc); err != nil {
		return &BootError{
			Service: svc.Name,
			Reason:  "service did not become healthy after start",
			LogTail: c.logTail(svc),
			Err:     err,
		}
	}

	c.printer.OK("%s healthy", svc.Name)
	return nil
}

// Cleanup removes the stack's internal network once its containers are
// gone. Safe to call repeatedly and on partially torn-down stacks.
func (c *StackController) Cleanup(ctx context.Context) error {
	infos, err := c.eng.ListStack(ctx, c.desc.Project)
	if err != nil {
		return fmt.Errorf("failed to list stack during cleanup: %w", err)
	}
	if len(infos) > 0 {
		// Containers still attached; the network stays with them.
		return nil
	}
	if err := c.eng.RemoveNetwork(ctx, c.desc.Network); err != nil {
		return fmt.Errorf("failed to remove network %s: %w", c.desc.Network, err)
	}
	return nil
}

// Status returns the engine's view of the stack.
func (c *StackController) Status(ctx context.Context) ([]engine.ContainerInfo, error) {
	return c.eng.ListStack(ctx, c.desc.Project)
}

// logTail fetches the last container log lines for a failure report.
// Uses a short independent timeout; the run's context may already be
// canceled when this is called.
func (c *StackController) logTail(svc *config.Service) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tail := util.NewLineTail(c.tailLines)
	if err := c.eng.Logs(ctx, c.desc.ContainerNameOf(svc), c.tailLines, tail); err != nil {
		c.log.Warn("failed to capture container logs", "service", svc.Name, "error", err)
		return nil
	}
	return tail.Lines()
}
