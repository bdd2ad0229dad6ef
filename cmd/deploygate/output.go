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

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Printer renders user-facing progress on stderr. Styling is dropped when
// stderr is not a terminal or NO_COLOR is set, so CI logs stay plain.
type Printer struct {
	styled bool

	phase   lipgloss.Style
	ok      lipgloss.Style
	fail    lipgloss.Style
	warn    lipgloss.Style
	dim     lipgloss.Style
	hintKey lipgloss.Style
}

// NewPrinter creates a Printer, detecting terminal capability.
func NewPrinter() *Printer {
	styled := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("NO_COLOR") == ""
	return &Printer{
		styled:  styled,
		phase:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		fail:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		hintKey: lipgloss.NewStyle().Bold(true),
	}
}

func (p *Printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

// Phase announces a pipeline phase transition.
func (p *Printer) Phase(name string) {
	fmt.Fprintln(os.Stderr, p.render(p.phase, "==> "+name))
}

// OK reports a completed step.
func (p *Printer) OK(format string, args ...any) {
	fmt.Fprintln(os.Stderr, p.render(p.ok, "  ✓ ")+fmt.Sprintf(format, args...))
}

// Fail reports a failed step.
func (p *Printer) Fail(format string, args ...any) {
	fmt.Fprintln(os.Stderr, p.render(p.fail, "  ✗ ")+fmt.Sprintf(format, args...))
}

// Warn reports a non-fatal problem.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(os.Stderr, p.render(p.warn, "  ! ")+fmt.Sprintf(format, args...))
}

// Info reports progress detail.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintln(os.Stderr, p.render(p.dim, "    "+fmt.Sprintf(format, args...)))
}

// Hint prints a remediation suggestion.
func (p *Printer) Hint(hint string) {
	if hint == "" {
		return
	}
	fmt.Fprintln(os.Stderr, p.render(p.hintKey, "hint: ")+hint)
}

// Error prints a final error message.
func (p *Printer) Error(msg string) {
	fmt.Fprintln(os.Stderr, p.render(p.fail, "error: ")+msg)
}
