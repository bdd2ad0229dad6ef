// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLevelString verifies level names.
func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

// TestNew_StderrOnly verifies the zero-config path never fails.
func TestNew_StderrOnly(t *testing.T) {
	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("New(Config{}) error = %v", err)
	}
	logger.Info("hello", "key", "value")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on stderr-only logger = %v", err)
	}
}

// TestNew_FileLogging verifies file creation and JSON content.
func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "test",
		Quiet:   true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("deployment started", "tag", "v1.2.3")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	wantName := "test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, wantName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\nline: %s", err, line)
	}
	if entry["msg"] != "deployment started" {
		t.Errorf("msg = %v, want %q", entry["msg"], "deployment started")
	}
	if entry["tag"] != "v1.2.3" {
		t.Errorf("tag = %v, want %q", entry["tag"], "v1.2.3")
	}
	if entry["service"] != "test" {
		t.Errorf("service = %v, want %q", entry["service"], "test")
	}
}

// TestNew_LevelFiltering verifies messages below the minimum are discarded.
func TestNew_LevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "filter",
		Quiet:   true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	logger.Close()

	name := "filter_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	content := string(data)
	if strings.Contains(content, "dropped") {
		t.Errorf("log contains filtered messages:\n%s", content)
	}
	if !strings.Contains(content, "kept") {
		t.Errorf("log missing warn message:\n%s", content)
	}
}

// TestWith verifies attribute propagation.
func TestWith(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Config{LogDir: dir, Service: "with", Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	child := logger.With("run_id", "abc123")
	child.Info("phase start")
	logger.Close()

	name := "with_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "abc123") {
		t.Errorf("child attribute missing from output:\n%s", data)
	}
}

// TestDefault_ReturnsSameInstance verifies the singleton.
func TestDefault_ReturnsSameInstance(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() should return the same instance")
	}
}
