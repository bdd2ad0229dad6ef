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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
)

// newStackCmd builds the stack inspection and control commands.
func newStackCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Inspect and control the running stack",
	}
	cmd.AddCommand(
		newStackStatusCmd(app),
		newStackStopCmd(app),
		newStackLogsCmd(app),
	)
	return cmd
}

// loadStack validates and returns the descriptor with its controller.
func loadStack(app *App) (*config.Descriptor, *StackController, error) {
	desc, err := NewConfigValidator(app.cfg, app.log).Validate()
	if err != nil {
		return nil, nil, &CommandError{Message: "descriptor invalid", Code: ExitValidation, Err: err}
	}
	poller := NewDefaultPoller(app.eng, desc, PollerConfig{
		Interval: app.cfg.Timeouts.HealthInterval,
		Timeout:  app.cfg.Timeouts.Health,
	}, app.log)
	ctl := NewStackController(app.cfg, desc, app.eng, poller, app.log, app.printer)
	return desc, ctl, nil
}

func newStackStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stack's containers and their states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ctl, err := loadStack(app)
			if err != nil {
				return err
			}
			infos, err := ctl.Status(cmd.Context())
			if err != nil {
				return NewCommandError("failed to query stack", err)
			}
			if len(infos) == 0 {
				app.printer.Info("stack is not running")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tCONTAINER\tIMAGE\tSTATE\tSTATUS")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					info.Service, info.Name, info.Image, info.State, info.Status)
			}
			return w.Flush()
		},
	}
}

func newStackStopCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop and remove the stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := app.lock()
			if err != nil {
				return err
			}
			defer lock.Release()

			_, ctl, err := loadStack(app)
			if err != nil {
				return err
			}
			if err := ctl.Stop(cmd.Context()); err != nil {
				return &CommandError{Message: "failed to stop stack", Code: ExitBoot, Err: err}
			}
			if err := ctl.Cleanup(cmd.Context()); err != nil {
				return &CommandError{Message: "stack stopped but cleanup failed", Code: ExitCleanup, Err: err}
			}
			app.printer.OK("stack stopped")
			return nil
		},
	}
}

func newStackLogsCmd(app *App) *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Show recent logs for one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, _, err := loadStack(app)
			if err != nil {
				return err
			}
			svc, ok := desc.Services[args[0]]
			if !ok {
				return NewCommandError("unknown service "+args[0], nil).
					WithHint("descriptor defines: %v", desc.ServiceNames())
			}
			name := desc.ContainerNameOf(svc)
			if err := app.eng.Logs(cmd.Context(), name, tail, os.Stdout); err != nil {
				return NewCommandError("failed to fetch logs for "+name, err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 100, "number of log lines to show")
	return cmd
}
