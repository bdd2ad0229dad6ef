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

	"github.com/spf13/cobra"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/engine"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/process"
	"github.com/l9labs/deploygate/pkg/logging"
)

// App carries the wired dependencies shared by all commands. Commands
// receive it instead of reaching for globals, so tests can substitute
// every seam.
type App struct {
	configPath string
	verbose    bool
	engineBin  string

	cfg     *config.Pipeline
	log     *logging.Logger
	printer *Printer
	pm      process.Manager
	eng     engine.Engine
}

// setup loads config and builds the shared dependencies. Called from
// PersistentPreRunE so every subcommand gets the same wiring.
func (a *App) setup() error {
	cfg, err := config.LoadPipeline(a.configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return NewCommandError("no pipeline config found", err).
				WithHint("create deploygate.yaml in the deploy root or pass --config")
		}
		return NewCommandError("invalid pipeline config", err)
	}
	a.cfg = cfg

	level := logging.LevelInfo
	if a.verbose {
		level = logging.LevelDebug
	}
	log, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "deploygate",
	})
	if err != nil {
		return NewCommandError("failed to initialize logging", err)
	}
	a.log = log

	a.printer = NewPrinter()
	a.pm = process.NewDefaultManager()
	a.eng = engine.NewDocker(engine.Config{Binary: a.engineBin}, a.pm)
	return nil
}

// lock acquires the host-wide pipeline lock for mutating commands.
func (a *App) lock() (*process.Lock, error) {
	lock := process.NewLock(process.DefaultLockConfig())
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, process.ErrLockHeld) {
			return nil, NewCommandError("cannot start", err).
				WithHint("wait for the other run to finish, or remove a stale lock from a crashed host")
		}
		return nil, NewCommandError("failed to acquire pipeline lock", err)
	}
	return lock, nil
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	app := &App{}

	root := &cobra.Command{
		Use:   "deploygate",
		Short: "Gated, fail-fast deployment pipeline for container stacks",
		Long: `deploygate deploys a service stack through a sequence of gates:
validate, backup, build, stop, start, health check, smoke test. Any gate
failing after the old stack was stopped rolls back to the snapshot taken
at the start of the run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup()
		},
	}

	root.PersistentFlags().StringVarP(&app.configPath, "config", "c", "", "pipeline config file (default deploygate.yaml)")
	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&app.engineBin, "engine", "", "container engine binary (default docker)")

	root.AddCommand(
		newDeployCmd(app),
		newValidateCmd(app),
		newRollbackCmd(app),
		newStackCmd(app),
	)
	return root
}

// newValidateCmd runs the descriptor validation standalone.
func newValidateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the stack descriptor without deploying",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := NewConfigValidator(app.cfg, app.log).Validate()
			if err != nil {
				app.printer.Error(err.Error())
				return &CommandError{Message: "descriptor invalid", Code: ExitValidation, Err: err}
			}
			app.printer.OK("descriptor valid (%d services)", len(desc.Services))
			for _, name := range desc.ServiceNames() {
				svc := desc.Services[name]
				detail := "image " + desc.ImageOf(svc, "<tag>")
				if len(svc.DependsOn) > 0 {
					detail += fmt.Sprintf(", depends on %v", svc.DependsOn)
				}
				app.printer.Info("%s: %s", name, detail)
			}
			return nil
		},
	}
}
