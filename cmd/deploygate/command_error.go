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
)

// CommandError is a user-facing CLI error with an optional remediation
// hint and an explicit exit code. Commands return these so main can print
// a clean message instead of a wrapped error chain, and exit correctly.
type CommandError struct {
	// Message is the one-line summary shown to the user.
	Message string

	// Hint suggests what to do about it. Optional.
	Hint string

	// Code is the process exit code.
	Code int

	// Err is the underlying error for logs and errors.Is/As.
	Err error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CommandError) Unwrap() error { return e.Err }

// NewCommandError creates a CommandError with the general failure code.
func NewCommandError(message string, err error) *CommandError {
	return &CommandError{Message: message, Code: ExitValidation, Err: err}
}

// WithHint attaches a remediation hint.
func (e *CommandError) WithHint(format string, args ...any) *CommandError {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// WithCode overrides the exit code.
func (e *CommandError) WithCode(code int) *CommandError {
	e.Code = code
	return e
}

// commandExitCode extracts the exit code from an error chain, falling
// back to the phase-family mapping for typed pipeline errors.
func commandExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}
	return exitCodeFor(err)
}
