// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/process"
)

// Mock implements Engine for tests.
//
// Each function field may be nil, in which case the call succeeds with a
// zero result. Calls records invocations as "op name" strings in order,
// guarded by a mutex because health polling inspects concurrently.
type Mock struct {
	PingFunc            func(ctx context.Context) error
	BuildImageFunc      func(ctx context.Context, spec BuildSpec) (*process.Result, error)
	ImageExistsFunc     func(ctx context.Context, image string) (bool, error)
	EnsureNetworkFunc   func(ctx context.Context, name string) error
	StartContainerFunc  func(ctx context.Context, spec ContainerSpec) error
	StopContainerFunc   func(ctx context.Context, name string, grace time.Duration) error
	RemoveContainerFunc func(ctx context.Context, name string) error
	RemoveNetworkFunc   func(ctx context.Context, name string) error
	InspectFunc         func(ctx context.Context, name string) (*ContainerState, error)
	LogsFunc            func(ctx context.Context, name string, tail int, w io.Writer) error
	ExecFunc            func(ctx context.Context, name string, argv []string, w io.Writer) (*process.Result, error)
	ListStackFunc       func(ctx context.Context, project string) ([]ContainerInfo, error)

	mu    sync.Mutex
	calls []string
}

func (m *Mock) record(op, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+" "+name)
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) Ping(ctx context.Context) error {
	m.record("ping", "")
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *Mock) BuildImage(ctx context.Context, spec BuildSpec) (*process.Result, error) {
	m.record("build", spec.Image)
	if m.BuildImageFunc != nil {
		return m.BuildImageFunc(ctx, spec)
	}
	return &process.Result{}, nil
}

func (m *Mock) ImageExists(ctx context.Context, image string) (bool, error) {
	m.record("image-exists", image)
	if m.ImageExistsFunc != nil {
		return m.ImageExistsFunc(ctx, image)
	}
	return true, nil
}

func (m *Mock) EnsureNetwork(ctx context.Context, name string) error {
	m.record("network", name)
	if m.EnsureNetworkFunc != nil {
		return m.EnsureNetworkFunc(ctx, name)
	}
	return nil
}

func (m *Mock) StartContainer(ctx context.Context, spec ContainerSpec) error {
	m.record("start", spec.Name)
	if m.StartContainerFunc != nil {
		return m.StartContainerFunc(ctx, spec)
	}
	return nil
}

func (m *Mock) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	m.record("stop", name)
	if m.StopContainerFunc != nil {
		return m.StopContainerFunc(ctx, name, grace)
	}
	return nil
}

func (m *Mock) RemoveContainer(ctx context.Context, name string) error {
	m.record("remove", name)
	if m.RemoveContainerFunc != nil {
		return m.RemoveContainerFunc(ctx, name)
	}
	return nil
}

func (m *Mock) RemoveNetwork(ctx context.Context, name string) error {
	m.record("network-rm", name)
	if m.RemoveNetworkFunc != nil {
		return m.RemoveNetworkFunc(ctx, name)
	}
	return nil
}

func (m *Mock) Inspect(ctx context.Context, name string) (*ContainerState, error) {
	m.record("inspect", name)
	if m.InspectFunc != nil {
		return m.InspectFunc(ctx, name)
	}
	return &ContainerState{Name: name, Running: true, Health: HealthNone}, nil
}

func (m *Mock) Logs(ctx context.Context, name string, tail int, w io.Writer) error {
	m.record("logs", name)
	if m.LogsFunc != nil {
		return m.LogsFunc(ctx, name, tail, w)
	}
	return nil
}

func (m *Mock) Exec(ctx context.Context, name string, argv []string, w io.Writer) (*process.Result, error) {
	m.record("exec", name)
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, name, argv, w)
	}
	return &process.Result{}, nil
}

func (m *Mock) ListStack(ctx context.Context, project string) ([]ContainerInfo, error) {
	m.record("list", project)
	if m.ListStackFunc != nil {
		return m.ListStackFunc(ctx, project)
	}
	return nil, nil
}

// Compile-time interface check
var _ Engine = (*Mock)(nil)
