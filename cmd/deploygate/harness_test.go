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
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/engine"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/process"
	"github.com/l9labs/deploygate/pkg/logging"
)

// testLogger returns a quiet logger for tests.
func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return log
}

// testPrinter returns a printer; output goes to stderr, which go test
// only shows on failure.
func testPrinter() *Printer {
	return NewPrinter()
}

// newTestConfig returns a pipeline config rooted in a temp dir with short
// timeouts.
func newTestConfig(t *testing.T) *config.Pipeline {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Pipeline{
		DeployRoot: dir,
		Descriptor: "deploy-stack.yaml",
		BackupRoot: filepath.Join(dir, ".deploygate", "backups"),
	}
	cfg.ApplyDefaults(dir)
	cfg.BackupRetention = 3
	cfg.Timeouts.Health = time.Second
	cfg.Timeouts.HealthInterval = 10 * time.Millisecond
	cfg.Timeouts.Smoke = time.Second
	return cfg
}

// writeTestFile writes content relative to the deploy root.
func writeTestFile(t *testing.T, cfg *config.Pipeline, rel, content string) {
	t.Helper()
	path := filepath.Join(cfg.DeployRoot, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// removeTestFile deletes a file relative to the deploy root.
func removeTestFile(cfg *config.Pipeline, rel string) error {
	return os.Remove(filepath.Join(cfg.DeployRoot, rel))
}

// threeServiceDescriptor is the standard fixture: api depends on db,
// worker is independent. All services use container health so tests run
// entirely against the fake engine.
const threeServiceDescriptor = `
version: 1
project: shoply
services:
  api:
    build:
      context: services/api
    depends_on: [db]
    env:
      DATABASE_URL: postgres://shoply:pw@db:5432/shoply
  db:
    image: postgres:16
  worker:
    build:
      context: services/worker
`

// writeTestStack writes the standard descriptor and its build inputs.
func writeTestStack(t *testing.T, cfg *config.Pipeline) {
	t.Helper()
	writeTestFile(t, cfg, "deploy-stack.yaml", threeServiceDescriptor)
	writeTestFile(t, cfg, "services/api/Dockerfile", "FROM python:3.12\nCOPY . /app\n")
	writeTestFile(t, cfg, "services/worker/Dockerfile", "FROM python:3.12\n")
}

// loadTestStack validates the fixture and returns its descriptor.
func loadTestStack(t *testing.T, cfg *config.Pipeline) *config.Descriptor {
	t.Helper()
	desc, err := NewConfigValidator(cfg, testLogger(t)).Validate()
	if err != nil {
		t.Fatalf("fixture descriptor invalid: %v", err)
	}
	return desc
}

// =============================================================================
// Fake Engine
// =============================================================================

type fakeContainer struct {
	service  string
	image    string
	running  bool
	exitCode int
}

// fakeEngine is a stateful in-memory container runtime. It tracks
// containers, networks, and built images, and records every mutating
// call in order so tests can assert sequencing.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	networks   map[string]bool
	images     map[string]bool

	// failBuilds maps image references to build output emitted before
	// the build fails.
	failBuilds map[string]string

	// exitOnStart lists services whose containers exit immediately.
	exitOnStart map[string]bool

	// exitOnImage lists image references whose containers exit
	// immediately, for simulating one broken release among good ones.
	exitOnImage map[string]bool

	// failStart lists services whose start command itself errors.
	failStart map[string]bool

	// events records mutating operations in order.
	events []string

	// startOrder records services in StartContainer order.
	startOrder []string

	// logLines maps container names to canned log output.
	logLines map[string][]string

	execResult func(name string, argv []string) (*process.Result, error)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers:  make(map[string]*fakeContainer),
		networks:    make(map[string]bool),
		images:      make(map[string]bool),
		failBuilds:  make(map[string]string),
		exitOnStart: make(map[string]bool),
		exitOnImage: make(map[string]bool),
		failStart:   make(map[string]bool),
		logLines:    make(map[string][]string),
	}
}

func (f *fakeEngine) record(event string) {
	f.events = append(f.events, event)
}

// Events returns a copy of the recorded mutations.
func (f *fakeEngine) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

// StartOrder returns services in the order their start was issued.
func (f *fakeEngine) StartOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.startOrder))
	copy(out, f.startOrder)
	return out
}

// seedContainer installs a running container, as if from a prior deploy.
func (f *fakeEngine) seedContainer(name, service, image string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = &fakeContainer{service: service, image: image, running: true}
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) BuildImage(ctx context.Context, spec engine.BuildSpec) (*process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build " + spec.Image)

	if output, fail := f.failBuilds[spec.Image]; fail {
		if spec.Output != nil {
			io.WriteString(spec.Output, output)
		}
		return &process.Result{ExitCode: 1}, errors.New("build exited with code 1")
	}
	if spec.Output != nil {
		fmt.Fprintf(spec.Output, "Successfully built %s\n", spec.Image)
	}
	f.images[spec.Image] = true
	return &process.Result{Duration: time.Millisecond}, nil
}

func (f *fakeEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeEngine) EnsureNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.networks[name] {
		f.record("network-create " + name)
		f.networks[name] = true
	}
	return nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, spec engine.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start " + spec.Name)
	f.startOrder = append(f.startOrder, spec.Service)

	if f.failStart[spec.Service] {
		return errors.New("engine refused to start " + spec.Name)
	}
	c := &fakeContainer{service: spec.Service, image: spec.Image, running: true}
	if f.exitOnStart[spec.Service] || f.exitOnImage[spec.Image] {
		c.running = false
		c.exitCode = 1
	}
	f.containers[spec.Name] = c
	return nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop " + name)
	if c, ok := f.containers[name]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rm " + name)
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networks[name] {
		f.record("network-rm " + name)
		delete(f.networks, name)
	}
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, name string) (*engine.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrContainerNotFound, name)
	}
	return &engine.ContainerState{
		Name:     name,
		Image:    c.image,
		Running:  c.running,
		ExitCode: c.exitCode,
		Health:   engine.HealthNone,
	}, nil
}

func (f *fakeEngine) Logs(ctx context.Context, name string, tail int, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range f.logLines[name] {
		fmt.Fprintln(w, line)
	}
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, name string, argv []string, w io.Writer) (*process.Result, error) {
	if f.execResult != nil {
		return f.execResult(name, argv)
	}
	return &process.Result{}, nil
}

func (f *fakeEngine) ListStack(ctx context.Context, project string) ([]engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []engine.ContainerInfo
	for name, c := range f.containers {
		state := "exited"
		if c.running {
			state = "running"
		}
		infos = append(infos, engine.ContainerInfo{
			Name:    name,
			Service: c.service,
			Image:   c.image,
			State:   state,
		})
	}
	return infos, nil
}

// Compile-time interface check
var _ engine.Engine = (*fakeEngine)(nil)
