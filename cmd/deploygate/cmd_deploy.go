// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/remote"
	"github.com/l9labs/deploygate/pkg/validation"
)

// newDeployCmd builds the deploy command.
func newDeployCmd(app *App) *cobra.Command {
	var (
		skipBuild bool
		useRemote bool
	)

	cmd := &cobra.Command{
		Use:   "deploy <tag>",
		Short: "Deploy a release tag through the gate pipeline",
		Long: `Runs the full gate sequence for the given release tag. The previous
stack state is snapshotted before anything is mutated; a failure after
the old stack was stopped restores that snapshot automatically.

With --remote, the deploy root is mirrored to the configured host and
the pipeline runs there; the remote exit code is passed through.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := args[0]
			// The tag ends up inside image references and engine argv.
			if err := validation.ValidateReleaseTag(tag); err != nil {
				return NewCommandError("invalid release tag", err).
					WithHint("tags follow image tag rules, e.g. v1.2.3 or sha-9f8e7d6c")
			}
			if useRemote {
				return runRemoteDeploy(app, cmd, tag, skipBuild)
			}
			return runLocalDeploy(app, cmd, tag, skipBuild)
		},
	}

	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "reuse existing images for the tag instead of building")
	cmd.Flags().BoolVar(&useRemote, "remote", false, "deploy on the configured remote host")
	return cmd
}

// runLocalDeploy executes the pipeline on this host.
func runLocalDeploy(app *App, cmd *cobra.Command, tag string, skipBuild bool) error {
	lock, err := app.lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	seq := NewGateSequencer(app.cfg, app.eng, app.log, app.printer)
	run, err := seq.Run(cmd.Context(), RunOptions{Tag: tag, SkipBuild: skipBuild})

	switch run.Status {
	case StatusSucceeded:
		app.printer.Phase("COMMIT")
		app.printer.OK("release %s deployed (run %s)", tag, run.ID)
		if err != nil {
			// Every gate passed but teardown left scaffolding behind.
			app.printer.Warn("cleanup failed after commit: %v", err)
			return &CommandError{
				Message: fmt.Sprintf("cleanup failed after successful deploy (run %s)", run.ID),
				Code:    exitCodeFor(err),
				Err:     err,
			}
		}
		return nil
	case StatusRolledBack:
		app.printer.Warn("deployment of %s failed; previous release restored", tag)
	case StatusRollbackFailed:
		app.printer.Error("deployment of " + tag + " failed AND rollback failed; stack needs manual attention")
	case StatusInterrupted:
		app.printer.Warn("deployment of %s interrupted; scaffolding cleaned up", tag)
	}

	if err != nil {
		return &CommandError{
			Message: fmt.Sprintf("deployment failed (run %s, state %s)", run.ID, run.Status),
			Code:    exitCodeFor(err),
			Err:     err,
		}
	}
	return nil
}

// runRemoteDeploy mirrors the deploy root to the configured host and
// invokes the pipeline there. Validation runs locally first so an
// obviously broken descriptor never leaves the workstation.
func runRemoteDeploy(app *App, cmd *cobra.Command, tag string, skipBuild bool) error {
	if app.cfg.Remote.Host == "" {
		return NewCommandError("no remote host configured", nil).
			WithHint("set remote.host and remote.root in deploygate.yaml")
	}

	if _, err := NewConfigValidator(app.cfg, app.log).Validate(); err != nil {
		return &CommandError{Message: "descriptor invalid, not mirroring", Code: ExitValidation, Err: err}
	}
	app.printer.OK("descriptor valid, mirroring to %s", app.cfg.Remote.Host)

	runner := remote.NewRunner(remote.Target{
		Host:         app.cfg.Remote.Host,
		Root:         app.cfg.Remote.Root,
		Port:         app.cfg.Remote.Port,
		IdentityFile: app.cfg.Remote.IdentityFile,
	}, app.pm)
	if err := runner.CheckTools(); err != nil {
		return NewCommandError("remote tooling missing", err).WithHint("install ssh and rsync")
	}

	ctx := cmd.Context()
	if err := runner.Mirror(ctx, app.cfg.DeployRoot, os.Stderr); err != nil {
		return NewCommandError("failed to mirror deploy root", err)
	}
	app.printer.OK("mirrored %s to %s:%s", app.cfg.DeployRoot, app.cfg.Remote.Host, app.cfg.Remote.Root)

	argv := []string{"deploygate", "deploy", tag}
	if skipBuild {
		argv = append(argv, "--skip-build")
	}
	app.printer.Phase("REMOTE " + app.cfg.Remote.Host)
	res, err := runner.Run(ctx, argv, os.Stderr)
	if err != nil {
		code := ExitValidation
		if res != nil && res.ExitCode >= ExitValidation && res.ExitCode <= ExitCleanup {
			// The remote pipeline's exit code passes through unchanged.
			code = res.ExitCode
		}
		return &CommandError{
			Message: fmt.Sprintf("remote deployment on %s failed", app.cfg.Remote.Host),
			Code:    code,
			Err:     err,
		}
	}

	app.printer.OK("release %s deployed on %s", tag, app.cfg.Remote.Host)
	return nil
}
