// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// ErrConfigNotFound is returned when the pipeline config file is missing.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrDescriptorNotFound is returned when the stack descriptor is missing.
	ErrDescriptorNotFound = errors.New("stack descriptor not found")
)

// Default values applied by ApplyDefaults.
const (
	DefaultDescriptorName  = "deploy-stack.yaml"
	DefaultBackupRetention = 5
	DefaultLogTailLines    = 60
	DefaultBuildTimeout    = 10 * time.Minute
	DefaultStopGrace       = 20 * time.Second
	DefaultHealthTimeout   = 120 * time.Second
	DefaultHealthInterval  = 2 * time.Second
	DefaultSmokeTimeout    = 5 * time.Minute
	DefaultRemoteTimeout   = 20 * time.Minute
	DefaultSSHPort         = 22
	DefaultDatabaseURLEnv  = "DATABASE_URL"
)

// validate is the shared validator instance. validator.New is expensive,
// so it is created once per process.
var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadPipeline reads and validates deploygate.yaml.
//
// # Description
//
// Resolves the path (expanding ~), parses the YAML strictly (unknown keys
// are errors, so typos surface here instead of silently deploying with
// defaults), applies defaults, and validates struct constraints.
//
// # Inputs
//
//   - path: config file path; "" means "deploygate.yaml" in the cwd
//
// # Outputs
//
//   - *Pipeline: the validated configuration with defaults applied
//   - error: ErrConfigNotFound, a parse error, or a validation error
func LoadPipeline(path string) (*Pipeline, error) {
	if path == "" {
		path = "deploygate.yaml"
	}
	path = ExpandHome(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Pipeline
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults(filepath.Dir(path))

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values. baseDir anchors a relative DeployRoot;
// it is normally the config file's directory.
func (p *Pipeline) ApplyDefaults(baseDir string) {
	if p.DeployRoot == "" {
		p.DeployRoot = baseDir
	}
	p.DeployRoot = ExpandHome(p.DeployRoot)
	if !filepath.IsAbs(p.DeployRoot) {
		p.DeployRoot = filepath.Join(baseDir, p.DeployRoot)
	}
	if p.Descriptor == "" {
		p.Descriptor = DefaultDescriptorName
	}
	if p.BackupRoot == "" {
		p.BackupRoot = filepath.Join(p.DeployRoot, ".deploygate", "backups")
	}
	p.BackupRoot = ExpandHome(p.BackupRoot)
	if p.BackupRetention == 0 {
		p.BackupRetention = DefaultBackupRetention
	}
	if p.LogTailLines == 0 {
		p.LogTailLines = DefaultLogTailLines
	}

	t := &p.Timeouts
	if t.Build == 0 {
		t.Build = DefaultBuildTimeout
	}
	if t.StopGrace == 0 {
		t.StopGrace = DefaultStopGrace
	}
	if t.Health == 0 {
		t.Health = DefaultHealthTimeout
	}
	if t.HealthInterval == 0 {
		t.HealthInterval = DefaultHealthInterval
	}
	if t.Smoke == 0 {
		t.Smoke = DefaultSmokeTimeout
	}
	if t.Remote == 0 {
		t.Remote = DefaultRemoteTimeout
	}

	if p.Remote.Port == 0 {
		p.Remote.Port = DefaultSSHPort
	}
}

// DescriptorPath returns the absolute stack descriptor path.
func (p *Pipeline) DescriptorPath() string {
	if filepath.IsAbs(p.Descriptor) {
		return p.Descriptor
	}
	return filepath.Join(p.DeployRoot, p.Descriptor)
}

// LoadDescriptor reads and structurally validates the stack descriptor.
//
// Structural validation here covers YAML shape and field constraints. The
// deeper checks (build contexts exist, Dockerfiles have FROM, dependencies
// resolve) belong to the validation phase of the pipeline, which reports
// them with richer context.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDescriptorNotFound, path)
		}
		return nil, fmt.Errorf("failed to read descriptor %s: %w", path, err)
	}

	var d Descriptor
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor %s: %w", path, err)
	}

	d.applyDefaults()

	if err := validate.Struct(&d); err != nil {
		return nil, fmt.Errorf("invalid descriptor %s: %w", path, err)
	}
	return &d, nil
}

// applyDefaults fills service names from map keys and derived defaults.
func (d *Descriptor) applyDefaults() {
	if d.Network == "" && d.Project != "" {
		d.Network = d.Project + "-internal"
	}
	for name, svc := range d.Services {
		if svc == nil {
			continue
		}
		svc.Name = name
		if svc.Build.Dockerfile == "" && svc.Build.Context != "" {
			svc.Build.Dockerfile = "Dockerfile"
		}
		if svc.Health.Type == "" {
			svc.Health.Type = HealthContainer
		}
		if svc.Health.Type == HealthHTTP && svc.Health.ExpectStatus == 0 {
			svc.Health.ExpectStatus = 200
		}
	}
	if d.Smoke.DatabaseURLEnv == "" {
		d.Smoke.DatabaseURLEnv = DefaultDatabaseURLEnv
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
