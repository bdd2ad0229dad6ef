// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package remote mirrors the deploy root to a VPS over rsync and runs
// commands there over ssh. Both tools are reached through process.Manager,
// so the package has no network code of its own and is testable without a
// remote host.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/process"
)

var (
	// ErrNoHost is returned when remote operations are requested without a
	// configured host.
	ErrNoHost = errors.New("no remote host configured")

	// ErrToolMissing is returned when ssh or rsync is not installed.
	ErrToolMissing = errors.New("required tool not found")
)

// Target identifies the remote deployment destination.
type Target struct {
	// Host is the ssh destination, e.g. "deploy@vps.example.com".
	Host string

	// Root is the deployment root directory on the remote host.
	Root string

	// Port is the ssh port.
	Port int

	// IdentityFile is an optional private key path.
	IdentityFile string
}

// Runner executes the remote half of a --remote deploy.
//
// # Description
//
// Mirror pushes the local deploy root to the target with rsync --delete,
// so the remote tree is an exact copy including removals. Run executes a
// command with the working directory pinned to the remote root. The remote
// command's exit code is preserved so the local process can map pipeline
// exit codes through unchanged.
type Runner struct {
	target Target
	pm     process.Manager
}

// NewRunner creates a Runner for the target.
func NewRunner(target Target, pm process.Manager) *Runner {
	if target.Port == 0 {
		target.Port = 22
	}
	return &Runner{target: target, pm: pm}
}

// CheckTools verifies ssh and rsync are installed locally.
func (r *Runner) CheckTools() error {
	for _, tool := range []string{"ssh", "rsync"} {
		if _, err := r.pm.LookPath(tool); err != nil {
			return fmt.Errorf("%w: %s", ErrToolMissing, tool)
		}
	}
	return nil
}

// sshArgs builds the ssh option list shared by Run and the rsync -e
// transport string.
func (r *Runner) sshArgs() []string {
	args := []string{"-p", strconv.Itoa(r.target.Port), "-o", "BatchMode=yes"}
	if r.target.IdentityFile != "" {
		args = append(args, "-i", r.target.IdentityFile)
	}
	return args
}

// Mirror pushes localRoot to the remote root.
//
// Uses rsync -az --delete so the remote tree exactly matches the local
// one. Version-control and pipeline state directories are excluded; the
// remote host keeps its own backups.
func (r *Runner) Mirror(ctx context.Context, localRoot string, out io.Writer) error {
	if r.target.Host == "" {
		return ErrNoHost
	}

	transport := "ssh " + strings.Join(r.sshArgs(), " ")
	args := []string{
		"-az", "--delete",
		"--exclude", ".git",
		"--exclude", ".deploygate",
		"-e", transport,
		strings.TrimSuffix(localRoot, "/") + "/",
		r.target.Host + ":" + r.target.Root + "/",
	}

	res, err := r.pm.RunWith(ctx, process.RunOptions{
		Name:   "rsync",
		Args:   args,
		Stdout: out,
		Stderr: out,
	})
	if err != nil {
		return fmt.Errorf("failed to mirror %s to %s: %w\n%s",
			localRoot, r.target.Host, err, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Run executes argv on the remote host with cwd pinned to the root.
//
// # Outputs
//
//   - *process.Result: carries the remote command's exit code whenever the
//     ssh process ran; ssh propagates the remote exit status
//   - error: non-nil for connection failures or non-zero remote exit
func (r *Runner) Run(ctx context.Context, argv []string, out io.Writer) (*process.Result, error) {
	if r.target.Host == "" {
		return nil, ErrNoHost
	}

	remoteCmd := "cd " + shellQuote(r.target.Root) + " && " + shellJoin(argv)
	args := append(r.sshArgs(), r.target.Host, remoteCmd)

	return r.pm.RunWith(ctx, process.RunOptions{
		Name:   "ssh",
		Args:   args,
		Stdout: out,
		Stderr: out,
	})
}

// shellJoin renders argv as a single shell command with each word quoted.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shellQuote single-quotes a word for the remote shell. Safe words pass
// through unquoted to keep logged command lines readable.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]{}~#`!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
