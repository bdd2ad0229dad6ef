// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/engine"
	"github.com/l9labs/deploygate/pkg/logging"
)

// Phase names the pipeline's gates in execution order.
type Phase string

const (
	PhaseValidate    Phase = "VALIDATE"
	PhaseBackup      Phase = "BACKUP"
	PhaseBuild       Phase = "BUILD"
	PhaseStopOld     Phase = "STOP_OLD"
	PhaseStartNew    Phase = "START_NEW"
	PhaseHealthCheck Phase = "HEALTH_CHECK"
	PhaseSmokeTest   Phase = "SMOKE_TEST"
	PhaseRollback    Phase = "ROLLBACK"
)

// RunStatus is a deployment run's terminal state.
type RunStatus string

const (
	// StatusSucceeded means every gate passed and the run committed.
	StatusSucceeded RunStatus = "succeeded"

	// StatusAborted means the run failed before mutating anything
	// (VALIDATE, BACKUP, or BUILD); no rollback was needed.
	StatusAborted RunStatus = "aborted"

	// StatusRolledBack means the deployment failed and the previous
	// release was restored.
	StatusRolledBack RunStatus = "rolled_back"

	// StatusRollbackFailed means both the deployment and the rollback
	// failed. Operator intervention required.
	StatusRollbackFailed RunStatus = "rollback_failed"

	// StatusInterrupted means an external signal aborted the run.
	StatusInterrupted RunStatus = "interrupted"
)

// GateResult records one phase's outcome.
type GateResult struct {
	Phase     Phase         `json:"phase"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Passed    bool          `json:"passed"`
	Error     string        `json:"error,omitempty"`
}

// DeploymentRun is the record of one pipeline invocation. The sequencer
// is its only writer.
type DeploymentRun struct {
	ID         string       `json:"id"`
	Tag        string       `json:"tag"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Status     RunStatus    `json:"status"`
	Gates      []GateResult `json:"gates"`
	BackupID   string       `json:"backup_id,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// RunOptions are per-invocation pipeline switches.
type RunOptions struct {
	// Tag is the release tag to deploy. Required.
	Tag string

	// SkipBuild reuses existing images for the tag instead of building.
	// Images are verified to exist before the old stack is touched.
	SkipBuild bool
}

// GateSequencer drives the deployment through its gates.
//
// # Description
//
// Phases run strictly in sequence; a failing phase short-circuits all
// remaining forward phases. A failure at STOP_OLD or later rolls back to
// the snapshot taken in BACKUP. VALIDATE, BACKUP, and BUILD failures
// abort with nothing to restore: validation and backup touch nothing, and
// a failed build never replaces the images the running stack uses.
//
// Cleanup runs on every terminal path, including interruption, exactly
// once, and is itself idempotent.
//
// # Thread Safety
//
// Not safe for concurrent use; the pipeline is single-writer by design
// and callers hold the process lock.
type GateSequencer struct {
	cfg     *config.Pipeline
	eng     engine.Engine
	log     *logging.Logger
	printer *Printer

	run         *DeploymentRun
	desc        *config.Descriptor
	backup      *Backup
	controller  *StackController
	poller      *DefaultPoller
	cleanupOnce sync.Once
	cleanupErr  error
}

// NewGateSequencer creates a sequencer.
func NewGateSequencer(cfg *config.Pipeline, eng engine.Engine, log *logging.Logger, printer *Printer) *GateSequencer {
	return &GateSequencer{
		cfg:     cfg,
		eng:     eng,
		log:     log,
		printer: printer,
	}
}

// Run executes the pipeline for the options' release tag.
//
// # Outputs
//
//   - *DeploymentRun: always non-nil, recording every gate that ran and
//     the terminal status; also persisted as a JSON report
//   - error: nil only when the run committed; otherwise the typed
//     pipeline error that decides the exit code
func (s *GateSequencer) Run(ctx context.Context, opts RunOptions) (*DeploymentRun, error) {
	s.run = &DeploymentRun{
		ID:        uuid.NewString(),
		Tag:       opts.Tag,
		StartedAt: time.Now(),
	}
	s.log.Info("deployment started", "run_id", s.run.ID, "tag", opts.Tag)

	err := s.execute(ctx, opts)

	// Cleanup runs on every terminal transition, interrupt included.
	s.cleanup()

	s.run.FinishedAt = time.Now()
	if err != nil {
		s.run.Error = err.Error()
	} else if s.cleanupErr != nil {
		err = &CleanupError{Err: s.cleanupErr}
		s.run.Error = err.Error()
	}
	s.finalize(err)
	s.writeReport()

	s.log.Info("deployment finished", "run_id", s.run.ID, "status", s.run.Status, "duration", s.run.FinishedAt.Sub(s.run.StartedAt))
	return s.run, err
}

// execute walks the forward phases and handles the rollback transition.
// An interrupt between phases stops the sequence before the next phase
// starts.
func (s *GateSequencer) execute(ctx context.Context, opts RunOptions) error {
	abortOnly := []struct {
		phase Phase
		fn    func() error
	}{
		{PhaseValidate, func() error { return s.validate(ctx) }},
		{PhaseBackup, func() error { return s.snapshot(ctx) }},
		{PhaseBuild, func() error { return s.build(ctx, opts) }},
	}
	for _, step := range abortOnly {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.gate(step.phase, step.fn); err != nil {
			return err
		}
	}

	forward := []struct {
		phase Phase
		fn    func() error
	}{
		{PhaseStopOld, func() error { return s.controller.Stop(ctx) }},
		{PhaseStartNew, func() error { return s.controller.Start(ctx, opts.Tag) }},
		{PhaseHealthCheck, func() error { return s.healthCheck(ctx) }},
		{PhaseSmokeTest, func() error {
			runner := NewSmokeTestRunner(s.cfg, s.desc, s.eng, s.log, s.printer)
			return runner.Run(ctx)
		}},
	}
	for _, step := range forward {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.gate(step.phase, step.fn); err != nil {
			return s.maybeRollback(ctx, err)
		}
	}
	return nil
}

// gate runs one phase and records its GateResult.
func (s *GateSequencer) gate(phase Phase, fn func() error) error {
	s.printer.Phase(string(phase))
	s.log.Info("phase started", "run_id", s.run.ID, "phase", phase)

	result := GateResult{Phase: phase, StartedAt: time.Now()}
	err := fn()
	result.Duration = time.Since(result.StartedAt)
	result.Passed = err == nil
	if err != nil {
		result.Error = err.Error()
		s.log.Error("phase failed", "run_id", s.run.ID, "phase", phase, "error", err)
	}
	s.run.Gates = append(s.run.Gates, result)
	return err
}

func (s *GateSequencer) validate(ctx context.Context) error {
	if err := s.eng.Ping(ctx); err != nil {
		return &ConfigError{Err: err}
	}

	desc, err := NewConfigValidator(s.cfg, s.log).Validate()
	if err != nil {
		return err
	}
	s.desc = desc

	s.poller = NewDefaultPoller(s.eng, desc, PollerConfig{
		Interval: s.cfg.Timeouts.HealthInterval,
		Timeout:  s.cfg.Timeouts.Health,
	}, s.log)
	s.controller = NewStackController(s.cfg, desc, s.eng, s.poller, s.log, s.printer)
	s.printer.OK("descriptor valid (%d services)", len(desc.Services))
	return nil
}

func (s *GateSequencer) snapshot(ctx context.Context) error {
	mgr := NewBackupManager(s.cfg, s.desc, s.eng, s.log)
	backup, err := mgr.Snapshot(ctx, s.run.ID, s.cfg.DescriptorPath())
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	s.backup = backup
	s.run.BackupID = backup.ID
	s.printer.OK("backup %s (%d containers)", backup.ID, len(backup.Containers))
	return nil
}

func (s *GateSequencer) build(ctx context.Context, opts RunOptions) error {
	builder := NewImageBuilder(s.cfg, s.desc, s.eng, s.log, s.printer)
	if opts.SkipBuild {
		if err := builder.VerifyImages(ctx, opts.Tag); err != nil {
			return err
		}
		s.printer.OK("builds skipped, images for %s verified", opts.Tag)
		return nil
	}
	_, err := builder.Build(ctx, opts.Tag)
	return err
}

// healthCheck re-verifies the whole stack concurrently. Start already
// polled each service to health; this gate catches services that came up
// and then fell over while later services were still starting.
func (s *GateSequencer) healthCheck(ctx context.Context) error {
	if err := s.poller.WaitAll(ctx, servicesOf(s.desc)); err != nil {
		return &BootError{Reason: "stack did not hold healthy", Err: err}
	}
	s.printer.OK("all %d services healthy", len(s.desc.Services))
	return nil
}

// maybeRollback decides whether a deployment failure is recoverable and
// runs the rollback when it is. Only the sequencer makes this decision.
func (s *GateSequencer) maybeRollback(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		// Interrupted. Cleanup still runs, but an aborted operator does
		// not get an automatic rollback they did not ask for.
		return cause
	}
	if !rollbackEligible(cause) || s.backup == nil {
		return cause
	}

	// The run's context may be near its deadline; restoration gets its
	// own budget so a slow failure cannot also sabotage the rollback.
	rbCtx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.Timeouts.Health+s.cfg.Timeouts.Remote)
	defer cancel()

	rb := NewRollbackController(s.cfg, s.desc, s.eng, s.log, s.printer)
	if err := s.gate(PhaseRollback, func() error { return rb.Rollback(rbCtx, s.backup) }); err != nil {
		return &RollbackError{Cause: cause, Err: err}
	}
	return cause
}

// rollbackEligible reports whether the failure happened after the old
// stack was touched. Build failures never replace running containers or
// their images, so there is nothing to restore.
func rollbackEligible(err error) bool {
	var bootErr *BootError
	var smokeErr *SmokeTestError
	return errors.As(err, &bootErr) || errors.As(err, &smokeErr)
}

// cleanup tears down run scaffolding exactly once. Runs with a fresh
// context because the run's context is often already canceled here.
func (s *GateSequencer) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.controller == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.controller.Cleanup(ctx); err != nil {
			s.log.Error("cleanup failed", "run_id", s.run.ID, "error", err)
			s.cleanupErr = err
			return
		}
		s.log.Debug("cleanup complete", "run_id", s.run.ID)
	})
}

// finalize derives the terminal status from the run's error.
func (s *GateSequencer) finalize(err error) {
	switch {
	case err == nil:
		s.run.Status = StatusSucceeded
	case errors.Is(err, context.Canceled):
		s.run.Status = StatusInterrupted
	default:
		// A run whose only failure is teardown still committed the new
		// release; the cleanup error is reported and keeps its exit code,
		// but the deployment itself succeeded.
		var cleanErr *CleanupError
		if errors.As(err, &cleanErr) {
			s.run.Status = StatusSucceeded
			return
		}
		var rbErr *RollbackError
		if errors.As(err, &rbErr) {
			s.run.Status = StatusRollbackFailed
			return
		}
		if rollbackEligible(err) && s.rolledBack() {
			s.run.Status = StatusRolledBack
			return
		}
		s.run.Status = StatusAborted
	}
}

// rolledBack reports whether a ROLLBACK gate ran and passed.
func (s *GateSequencer) rolledBack() bool {
	for _, g := range s.run.Gates {
		if g.Phase == PhaseRollback {
			return g.Passed
		}
	}
	return false
}

// writeReport persists the run record as JSON under the deploy root.
// Best effort; a failed report write never changes the run's outcome.
func (s *GateSequencer) writeReport() {
	dir := filepath.Join(s.cfg.DeployRoot, ".deploygate", "runs")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		s.log.Warn("failed to create run report directory", "error", err)
		return
	}
	data, err := json.MarshalIndent(s.run, "", "  ")
	if err != nil {
		s.log.Warn("failed to encode run report", "error", err)
		return
	}
	path := filepath.Join(dir, s.run.ID+".json")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		s.log.Warn("failed to write run report", "path", path, "error", err)
		return
	}
	s.log.Debug("run report written", "path", path)
}
