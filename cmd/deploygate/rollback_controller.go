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

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/engine"
	"github.com/l9labs/deploygate/pkg/logging"
)

// RollbackController restores the last known-good stack from a backup.
//
// # Description
//
// Restoration replays the backup's own descriptor with its recorded
// release tag: stop whatever is running, start the snapshotted stack, and
// poll it back to health. The descriptor copy inside the backup is used,
// not the live one, so a rollback is unaffected by whatever descriptor
// change broke the deploy.
//
// The controller runs at most once per pipeline run. If restoration
// fails, the failure is surfaced for manual intervention; a second
// automatic rollback is never attempted.
type RollbackController struct {
	cfg     *config.Pipeline
	current *config.Descriptor
	eng     engine.Engine
	log     *logging.Logger
	printer *Printer
}

// NewRollbackController creates a controller. current is the live
// descriptor, used to tear down the failed stack.
func NewRollbackController(cfg *config.Pipeline, current *config.Descriptor, eng engine.Engine, log *logging.Logger, printer *Printer) *RollbackController {
	return &RollbackController{
		cfg:     cfg,
		current: current,
		eng:     eng,
		log:     log,
		printer: printer,
	}
}

// Rollback restores the backup.
//
// # Inputs
//
//   - ctx: cancellation; rollback ignores the deploy timeout budget and
//     only honors explicit interruption
//   - backup: the snapshot to restore; its descriptor copy must exist
//
// # Outputs
//
//   - error: nil when the restored stack is healthy again; otherwise the
//     restoration failure (the caller records the terminal state)
//
// # Edge Cases
//
//   - A backup with zero containers restores to an empty stack: the
//     failed containers are removed and nothing is started
//   - A backup without a recorded release tag cannot be replayed for
//     services that build their images per release
func (r *RollbackController) Rollback(ctx context.Context, backup *Backup) error {
	r.log.Info("rolling back", "backup", backup.ID, "release_tag", backup.ReleaseTag)
	r.printer.Phase("ROLLBACK (restoring " + backup.ID + ")")

	prev, err := config.LoadDescriptor(backup.DescriptorPath())
	if err != nil {
		return fmt.Errorf("backup %s has no usable descriptor: %w", backup.ID, err)
	}

	// Tear down the failed stack with the live descriptor's controller;
	// the project label catches every container regardless of revision.
	poller := NewDefaultPoller(r.eng, prev, PollerConfig{
		Interval: r.cfg.Timeouts.HealthInterval,
		Timeout:  r.cfg.Timeouts.Health,
	}, r.log)
	down := NewStackController(r.cfg, r.current, r.eng, poller, r.log, r.printer)
	if err := down.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop broken stack: %w", err)
	}

	if len(backup.Containers) == 0 {
		r.printer.OK("restored empty stack (nothing was running before)")
		r.log.Info("rollback complete, stack was empty", "backup", backup.ID)
		return nil
	}

	if backup.ReleaseTag == "" && hasBuildableService(prev) {
		return fmt.Errorf("backup %s records no release tag; cannot replay built images", backup.ID)
	}

	up := NewStackController(r.cfg, prev, r.eng, poller, r.log, r.printer)
	if err := up.Start(ctx, backup.ReleaseTag); err != nil {
		return fmt.Errorf("restored stack did not come up: %w", err)
	}

	if err := poller.WaitAll(ctx, servicesOf(prev)); err != nil {
		return fmt.Errorf("restored stack is not healthy: %w", err)
	}

	r.printer.OK("rollback complete, previous release restored")
	r.log.Info("rollback complete", "backup", backup.ID)
	return nil
}

// hasBuildableService reports whether any service builds its own image.
func hasBuildableService(desc *config.Descriptor) bool {
	for _, svc := range desc.Services {
		if svc.Build.Context != "" {
			return true
		}
	}
	return false
}

// servicesOf returns the descriptor's services in deterministic order.
func servicesOf(desc *config.Descriptor) []*config.Service {
	names := desc.ServiceNames()
	svcs := make([]*config.Service, 0, len(names))
	for _, name := range names {
		svcs = append(svcs, desc.Services[name])
	}
	return svcs
}
