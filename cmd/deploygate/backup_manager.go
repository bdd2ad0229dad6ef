// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/engine"
	"github.com/l9labs/deploygate/pkg/logging"
)

// ErrNoBackup is returned by Latest when the store is empty. A first-ever
// deploy has nothing to back up, which is not an error; only attempting a
// rollback without a backup is.
var ErrNoBackup = errors.New("no backup available")

// backupTimeLayout names backup directories so lexical order equals
// chronological order.
const backupTimeLayout = "20060102T150405"

// manifestName is the manifest file inside each backup directory.
const manifestName = "manifest.yaml"

// descriptorCopyName is the descriptor snapshot inside each backup.
const descriptorCopyName = "deploy-stack.yaml"

// BackupContainer records one container of the snapshotted stack.
type BackupContainer struct {
	Service string `yaml:"service"`
	Name    string `yaml:"name"`
	Image   string `yaml:"image"`
	State   string `yaml:"state"`
}

// Backup is a recorded description of a previously deployed stack: the
// containers that were running, their images, and a copy of the
// descriptor that produced them. It holds no image data; images stay in
// the engine's store and are never deleted by the pipeline.
type Backup struct {
	// ID is the backup directory name.
	ID string `yaml:"id"`

	// RunID is the pipeline run that took the snapshot.
	RunID string `yaml:"run_id"`

	// CreatedAt is the snapshot time.
	CreatedAt time.Time `yaml:"created_at"`

	// ReleaseTag is the tag the snapshotted stack was running, when it
	// could be determined from the container images.
	ReleaseTag string `yaml:"release_tag,omitempty"`

	// Containers lists the stack's containers at snapshot time.
	Containers []BackupContainer `yaml:"containers"`

	// Dir is the backup directory on disk. Not serialized.
	Dir string `yaml:"-"`
}

// DescriptorPath returns the snapshotted descriptor file.
func (b *Backup) DescriptorPath() string {
	return filepath.Join(b.Dir, descriptorCopyName)
}

// BackupManager owns the filesystem backup store.
//
// # Description
//
// The store is a directory tree under the backup root: one timestamped
// directory per snapshot, each holding a manifest and a copy of the
// descriptor. The store is append-only during a run; pruning removes
// whole directories oldest-first once the retention count is exceeded.
//
// # Thread Safety
//
// Not safe for concurrent use. The pipeline lock guarantees a single
// writer per host.
type BackupManager struct {
	root      string
	retention int
	project   string
	eng       engine.Engine
	log       *logging.Logger
	now       func() time.Time
}

// NewBackupManager creates a manager over the backup root.
func NewBackupManager(cfg *config.Pipeline, desc *config.Descriptor, eng engine.Engine, log *logging.Logger) *BackupManager {
	return &BackupManager{
		root:      cfg.BackupRoot,
		retention: cfg.BackupRetention,
		project:   desc.Project,
		eng:       eng,
		log:       log,
		now:       time.Now,
	}
}

// Snapshot captures the currently running stack.
//
// # Description
//
// Lists the project's containers, records their images and states, and
// copies the descriptor into a new timestamped directory. Two snapshots
// in one run produce two distinct backups; nothing is ever overwritten.
// After writing, prunes backups beyond the retention count.
//
// An empty stack still produces a backup (with zero containers); rolling
// back to "nothing was running" is a valid restoration target.
//
// # Inputs
//
//   - ctx: bounds the engine listing
//   - runID: the pipeline run identifier, embedded in the directory name
//   - descriptorPath: the live descriptor file to copy
//
// # Outputs
//
//   - *Backup: the written snapshot
//   - error: filesystem or engine failures
func (m *BackupManager) Snapshot(ctx context.Context, runID, descriptorPath string) (*Backup, error) {
	infos, err := m.eng.ListStack(ctx, m.project)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot stack state: %w", err)
	}

	backup := &Backup{
		RunID:     runID,
		CreatedAt: m.now(),
	}
	backup.ID = backup.CreatedAt.UTC().Format(backupTimeLayout) + "-" + shortID(runID)
	backup.Dir = filepath.Join(m.root, backup.ID)

	for _, info := range infos {
		backup.Containers = append(backup.Containers, BackupContainer{
			Service: info.Service,
			Name:    info.Name,
			Image:   info.Image,
			State:   info.State,
		})
		if backup.ReleaseTag == "" {
			backup.ReleaseTag = tagOfImage(info.Image, m.project)
		}
	}

	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup root %s: %w", m.root, err)
	}

	// Two snapshots in the same second collide on the timestamp; suffix a
	// sequence number until the directory is fresh so nothing is ever
	// overwritten.
	base := backup.ID
	for seq := 2; ; seq++ {
		err := os.Mkdir(backup.Dir, 0o750)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create backup directory %s: %w", backup.Dir, err)
		}
		backup.ID = fmt.Sprintf("%s-%d", base, seq)
		backup.Dir = filepath.Join(m.root, backup.ID)
	}

	data, err := yaml.Marshal(backup)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(backup.Dir, manifestName), data, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write backup manifest: %w", err)
	}

	descData, err := os.ReadFile(descriptorPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor for backup: %w", err)
	}
	if err := os.WriteFile(backup.DescriptorPath(), descData, 0o640); err != nil {
		return nil, fmt.Errorf("failed to copy descriptor into backup: %w", err)
	}

	m.log.Info("backup created", "id", backup.ID, "containers", len(backup.Containers), "release_tag", backup.ReleaseTag)

	if err := m.prune(); err != nil {
		// The snapshot itself succeeded; a failed prune only wastes disk.
		m.log.Warn("backup pruning failed", "error", err)
	}
	return backup, nil
}

// Latest returns the most recent backup, or ErrNoBackup.
func (m *BackupManager) Latest() (*Backup, error) {
	ids, err := m.list()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoBackup
	}
	return m.load(ids[len(ids)-1])
}

// Get returns the backup with the given ID, or ErrNoBackup when no such
// snapshot exists.
func (m *BackupManager) Get(id string) (*Backup, error) {
	if _, err := os.Stat(filepath.Join(m.root, id, manifestName)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoBackup, id)
		}
		return nil, fmt.Errorf("failed to read backup %s: %w", id, err)
	}
	return m.load(id)
}

// List returns all backups, oldest first.
func (m *BackupManager) List() ([]*Backup, error) {
	ids, err := m.list()
	if err != nil {
		return nil, err
	}
	backups := make([]*Backup, 0, len(ids))
	for _, id := range ids {
		b, err := m.load(id)
		if err != nil {
			m.log.Warn("skipping unreadable backup", "id", id, "error", err)
			continue
		}
		backups = append(backups, b)
	}
	return backups, nil
}

// list returns backup directory names sorted oldest first.
func (m *BackupManager) list() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup root %s: %w", m.root, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.root, e.Name(), manifestName)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// load reads one backup's manifest.
func (m *BackupManager) load(id string) (*Backup, error) {
	dir := filepath.Join(m.root, id)
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup %s: %w", id, err)
	}
	var b Backup
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", id, err)
	}
	b.Dir = dir
	return &b, nil
}

// prune removes the oldest backups beyond the retention count.
func (m *BackupManager) prune() error {
	ids, err := m.list()
	if err != nil {
		return err
	}
	if len(ids) <= m.retention {
		return nil
	}
	for _, id := range ids[:len(ids)-m.retention] {
		dir := filepath.Join(m.root, id)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to prune backup %s: %w", id, err)
		}
		m.log.Info("backup pruned", "id", id)
	}
	return nil
}

// shortID returns the first 8 characters of a run ID.
func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

// tagOfImage extracts the tag from a project-built image reference
// ("shoply/api:v1.2.3" -> "v1.2.3"). Third-party images like postgres:16
// do not carry the release tag, so they are skipped.
func tagOfImage(image, project string) string {
	if !strings.HasPrefix(image, project+"/") {
		return ""
	}
	idx := strings.LastIndex(image, ":")
	if idx < 0 {
		return ""
	}
	return image[idx+1:]
}
