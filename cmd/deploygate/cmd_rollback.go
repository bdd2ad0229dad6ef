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

	"github.com/l9labs/deploygate/pkg/validation"
)

// newRollbackCmd builds the manual rollback command.
func newRollbackCmd(app *App) *cobra.Command {
	var (
		list bool
		toID string
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the most recent backup manually",
		Long: `Stops the current stack and restores a snapshot from the backup store,
the newest one unless --to selects another. This is the same restoration
the pipeline performs automatically on a failed deploy, for when an
operator decides a committed release has to go anyway.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := NewConfigValidator(app.cfg, app.log).Validate()
			if err != nil {
				return &CommandError{Message: "descriptor invalid", Code: ExitValidation, Err: err}
			}
			mgr := NewBackupManager(app.cfg, desc, app.eng, app.log)

			if list {
				return listBackups(app, mgr)
			}

			lock, err := app.lock()
			if err != nil {
				return err
			}
			defer lock.Release()

			var backup *Backup
			if toID != "" {
				// The id is joined into a path under the backup root.
				if err := validation.ValidateBackupID(toID); err != nil {
					return NewCommandError("invalid backup id", err).
						WithHint("use an id from 'deploygate rollback --list'")
				}
				backup, err = mgr.Get(toID)
			} else {
				backup, err = mgr.Latest()
			}
			if err != nil {
				if errors.Is(err, ErrNoBackup) {
					return NewCommandError("nothing to roll back to", err).
						WithHint("list available backups with 'deploygate rollback --list'")
				}
				return NewCommandError("failed to read backup store", err)
			}

			rb := NewRollbackController(app.cfg, desc, app.eng, app.log, app.printer)
			if err := rb.Rollback(cmd.Context(), backup); err != nil {
				return &CommandError{
					Message: "rollback failed, stack needs manual attention",
					Code:    ExitBoot,
					Err:     err,
				}
			}
			app.printer.OK("restored backup %s", backup.ID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list available backups instead of restoring")
	cmd.Flags().StringVar(&toID, "to", "", "backup id to restore instead of the newest one")
	return cmd
}

// listBackups prints the backup store, oldest first.
func listBackups(app *App, mgr *BackupManager) error {
	backups, err := mgr.List()
	if err != nil {
		return NewCommandError("failed to read backup store", err)
	}
	if len(backups) == 0 {
		app.printer.Info("backup store is empty")
		return nil
	}
	for _, b := range backups {
		tag := b.ReleaseTag
		if tag == "" {
			tag = "(no tag)"
		}
		fmt.Printf("%s  %s  %d containers  %s\n",
			b.ID, b.CreatedAt.Format("2006-01-02 15:04:05"), len(b.Containers), tag)
	}
	return nil
}
