// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"strings"
	"testing"
)

// rollbackFixture snapshots a running v1 stack, replaces it with a
// broken v2, and returns everything needed to roll back.
func rollbackFixture(t *testing.T) (*RollbackController, *Backup, *fakeEngine) {
	t.Helper()
	cfg := newTestConfig(t)
	writeTestStack(t, cfg)
	desc := loadTestStack(t, cfg)
	eng := newFakeEngine()
	log := testLogger(t)

	eng.seedContainer("shoply-api", "api", "shoply/api:v1.0.0")
	eng.seedContainer("shoply-db", "db", "postgres:16")
	eng.seedContainer("shoply-worker", "worker", "shoply/worker:v1.0.0")

	mgr := NewBackupManager(cfg, desc, eng, log)
	backup, err := mgr.Snapshot(context.Background(), "run-1", cfg.DescriptorPath())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	// The failed v2 deploy: api replaced and crashed, worker gone.
	eng.RemoveContainer(context.Background(), "shoply-worker")
	eng.seedContainer("shoply-api", "api", "shoply/api:v2.0.0")
	eng.containers["shoply-api"].running = false
	eng.containers["shoply-api"].exitCode = 1

	rb := NewRollbackController(cfg, desc, eng, log, testPrinter())
	return rb, backup, eng
}

// TestRollback_RestoresPreviousRelease verifies the snapshotted tag is
// replayed and the restored stack polls healthy.
func TestRollback_RestoresPreviousRelease(t *testing.T) {
	rb, backup, eng := rollbackFixture(t)

	if err := rb.Rollback(context.Background(), backup); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	api, ok := eng.containers["shoply-api"]
	if !ok || !api.running {
		t.Fatal("api not running after rollback")
	}
	if api.image != "shoply/api:v1.0.0" {
		t.Errorf("api image = %q, want the v1.0.0 snapshot", api.image)
	}
	if _, ok := eng.containers["shoply-worker"]; !ok {
		t.Error("worker not restored")
	}
}

// TestRollback_StopsBrokenStackFirst verifies the failed containers are
// removed before the restore starts anything.
func TestRollback_StopsBrokenStackFirst(t *testing.T) {
	rb, backup, eng := rollbackFixture(t)

	if err := rb.Rollback(context.Background(), backup); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	events := eng.Events()
	removedBroken, started := -1, -1
	for i, e := range events {
		if e == "rm shoply-api" && removedBroken == -1 {
			removedBroken = i
		}
		if strings.HasPrefix(e, "start ") && started == -1 {
			started = i
		}
	}
	// The fixture itself records one rm; find the rollback's own rm by
	// looking after the snapshot. Simplest robust check: some rm of the
	// broken api happens before any start.
	if removedBroken == -1 || started == -1 || removedBroken > started {
		t.Errorf("broken stack not removed before restore: %v", events)
	}
}

// TestRollback_EmptyBackup verifies restoring to "nothing was running".
func TestRollback_EmptyBackup(t *testing.T) {
	cfg := newTestConfig(t)
	writeTestStack(t, cfg)
	desc := loadTestStack(t, cfg)
	eng := newFakeEngine()
	log := testLogger(t)

	mgr := NewBackupManager(cfg, desc, eng, log)
	backup, err := mgr.Snapshot(context.Background(), "run-1", cfg.DescriptorPath())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	// A failed first deploy left a broken container behind.
	eng.seedContainer("shoply-api", "api", "shoply/api:v1.0.0")

	rb := NewRollbackController(cfg, desc, eng, log, testPrinter())
	if err := rb.Rollback(context.Background(), backup); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if len(eng.containers) != 0 {
		t.Errorf("containers remain after empty-backup rollback: %v", eng.containers)
	}
}

// TestRollback_MissingDescriptorCopy verifies a corrupted backup fails
// loudly instead of guessing.
func TestRollback_MissingDescriptorCopy(t *testing.T) {
	rb, backup, _ := rollbackFixture(t)
	backup.Dir = backup.Dir + "-gone"

	err := rb.Rollback(context.Background(), backup)
	if err == nil || !strings.Contains(err.Error(), "no usable descriptor") {
		t.Errorf("error = %v, want descriptor failure", err)
	}
}
