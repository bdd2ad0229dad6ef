// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for deploygate components.
//
// The logger is built on the standard library slog package with two
// destinations:
//
//   - stderr (default): human-readable text, follows Unix CLI conventions
//   - log file (optional): JSON lines under the deploy root, one file per
//     day, for post-mortem inspection of failed runs
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("phase complete", "phase", "build", "duration", d)
//	logger.Error("build failed", "service", name, "error", err)
//
// # File Logging
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelDebug,
//	    LogDir:  filepath.Join(deployRoot, "logs"),
//	    Service: "deploygate",
//	})
//	defer logger.Close() // flushes and closes the file
//
// # Thread Safety
//
// Logger is safe for concurrent use. The underlying slog handlers are
// thread-safe and the file handle is protected by a mutex.
//
// # Security Considerations
//
// Nothing is redacted automatically. Callers must not log secrets such as
// registry credentials or SSH key material.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity. Levels follow slog conventions and are
// ordered Debug < Info < Warn < Error; setting a minimum level discards
// everything below it.
type Level int

const (
	// LevelDebug is for development troubleshooting and verbose phase tracing.
	LevelDebug Level = iota

	// LevelInfo is for normal operation (phase start/end, state changes).
	LevelInfo

	// LevelWarn is for recoverable issues (retry attempts, degraded output).
	LevelWarn

	// LevelError is for operation failures where the pipeline continues
	// (for example a failed backup prune).
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures Logger behavior. The zero value writes Info+ messages
// to stderr in text format with no file output.
type Config struct {
	// Level is the minimum level; messages below it are discarded.
	// Default: LevelInfo
	Level Level

	// LogDir enables file logging to the given directory. When set, logs
	// go to both stderr and a JSON file named "{Service}_{YYYY-MM-DD}.log".
	// The directory is created with 0750 permissions if missing.
	// Supports ~ expansion ("~/.deploygate/logs").
	// Default: "" (file logging disabled)
	LogDir string

	// Service is included in every entry as the "service" attribute.
	// Default: "" (no service attribute)
	Service string

	// JSON switches stderr output to JSON. File output is always JSON.
	// Default: false
	JSON bool

	// Quiet disables stderr output entirely. Logs still reach the file
	// when LogDir is set. Used by machine-readable CLI modes.
	// Default: false
	Quiet bool
}

// Logger is a structured logger with optional file mirroring.
//
// # Thread Safety
//
// Safe for concurrent use.
type Logger struct {
	slogger *slog.Logger
	file    *os.File
	mu      sync.Mutex
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns the process-wide stderr logger at Info level.
//
// The instance is created lazily on first use and shared. Components that
// need file logging should create their own Logger via New.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger, _ = New(Config{})
	})
	return defaultLogger
}

// New creates a Logger from the given configuration.
//
// # Inputs
//
//   - cfg: Configuration. A zero value is valid.
//
// # Outputs
//
//   - *Logger: Ready to use. Call Close when LogDir was set.
//   - error: Non-nil only if the log directory or file cannot be created;
//     the stderr-only path never fails.
func New(cfg Config) (*Logger, error) {
	var handlers []slog.Handler
	var file *os.File

	opts := &slog.HandlerOptions{Level: cfg.Level.toSlogLevel()}

	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	if cfg.LogDir != "" {
		dir := expandHome(cfg.LogDir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
		name := fmt.Sprintf("%s_%s.log", serviceOrDefault(cfg.Service), time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = newMultiHandler(handlers)
	}

	sl := slog.New(handler)
	if cfg.Service != "" {
		sl = sl.With("service", cfg.Service)
	}

	return &Logger{slogger: sl, file: file}, nil
}

// Debug logs at debug level with alternating key/value attributes.
func (l *Logger) Debug(msg string, args ...any) { l.slogger.Debug(msg, args...) }

// Info logs at info level with alternating key/value attributes.
func (l *Logger) Info(msg string, args ...any) { l.slogger.Info(msg, args...) }

// Warn logs at warn level with alternating key/value attributes.
func (l *Logger) Warn(msg string, args ...any) { l.slogger.Warn(msg, args...) }

// Error logs at error level with alternating key/value attributes.
func (l *Logger) Error(msg string, args ...any) { l.slogger.Error(msg, args...) }

// With returns a Logger that includes the given attributes in every entry.
// The returned Logger shares the underlying file handle; only Close the
// root logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slogger: l.slogger.With(args...)}
}

// Close flushes and closes the log file if one was opened.
// Safe to call multiple times and on stderr-only loggers.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func serviceOrDefault(service string) string {
	if service == "" {
		return "deploygate"
	}
	return service
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// multiHandler fans a record out to every wrapped handler.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers []slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
