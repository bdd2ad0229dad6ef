// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/process"
)

var (
	// ErrContainerNotFound is returned by Inspect for unknown containers.
	ErrContainerNotFound = errors.New("container not found")

	// ErrEngineUnavailable is returned when the container engine binary is
	// missing or its daemon is not reachable.
	ErrEngineUnavailable = errors.New("container engine unavailable")
)

// projectLabel marks every container the pipeline creates so that stack
// queries never touch unrelated containers on the host.
const projectLabel = "io.l9labs.deploygate.project"

// serviceLabel records which descriptor service a container belongs to.
const serviceLabel = "io.l9labs.deploygate.service"

// HealthStatus is the engine's view of a container's health.
type HealthStatus string

const (
	// HealthStarting means the healthcheck grace period is still running.
	HealthStarting HealthStatus = "starting"

	// HealthHealthy means the container's own healthcheck passes.
	HealthHealthy HealthStatus = "healthy"

	// HealthUnhealthy means the container's healthcheck is failing.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthNone means the image defines no healthcheck; callers fall back
	// to running-state checks.
	HealthNone HealthStatus = "none"
)

// ContainerState is the inspected state of one container.
type ContainerState struct {
	// Name is the container name without the leading slash.
	Name string

	// Image is the image reference the container was created from.
	Image string

	// Running reports whether the container is currently running.
	Running bool

	// ExitCode is meaningful only when Running is false.
	ExitCode int

	// Health is the engine-reported health status.
	Health HealthStatus

	// StartedAt is when the container last started.
	StartedAt time.Time
}

// ContainerSpec describes a container to create and start.
type ContainerSpec struct {
	// Name is the container name. Required.
	Name string

	// Image is the image reference. Required.
	Image string

	// Network attaches the container to a named network when non-empty.
	Network string

	// Ports are "host:container" publish bindings.
	Ports []string

	// Env is the container environment.
	Env map[string]string

	// Service is recorded in the service label for stack queries.
	Service string

	// Project is recorded in the project label. Required.
	Project string
}

// BuildSpec describes one image build.
type BuildSpec struct {
	// Image is the tag applied to the built image. Required.
	Image string

	// ContextDir is the build context directory. Required.
	ContextDir string

	// Dockerfile is the build definition path relative to ContextDir.
	Dockerfile string

	// Output receives the interleaved build log as it is produced. The
	// pipeline passes a bounded line tail here so failures can report the
	// last lines without holding the whole log.
	Output io.Writer
}

// ContainerInfo is one row of a stack listing.
type ContainerInfo struct {
	Name    string
	Service string
	Image   string
	State   string
	Status  string
}

// Engine abstracts the container runtime CLI.
//
// # Description
//
// The pipeline needs exactly these operations from the runtime: build an
// image, create and start a container, stop and remove one, and inspect
// state and health. Everything is expressed through the docker CLI
// grammar, which podman also implements, so the binary is configurable.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The pipeline builds
// images sequentially but polls health for several containers at once.
type Engine interface {
	// Ping verifies the engine binary exists and its daemon responds.
	Ping(ctx context.Context) error

	// BuildImage builds an image per the spec. The returned Result carries
	// the exit code and duration; the build log goes to spec.Output.
	BuildImage(ctx context.Context, spec BuildSpec) (*process.Result, error)

	// ImageExists reports whether an image reference resolves locally.
	ImageExists(ctx context.Context, image string) (bool, error)

	// EnsureNetwork creates the named network if it does not exist.
	EnsureNetwork(ctx context.Context, name string) error

	// StartContainer creates and starts a detached container.
	StartContainer(ctx context.Context, spec ContainerSpec) error

	// StopContainer stops a container, allowing grace for a clean shutdown
	// before the engine escalates to SIGKILL. Missing containers are not
	// an error.
	StopContainer(ctx context.Context, name string, grace time.Duration) error

	// RemoveContainer force-removes a container along with its anonymous
	// volumes. Named volumes are never touched. Missing containers are
	// not an error.
	RemoveContainer(ctx context.Context, name string) error

	// RemoveNetwork removes a named network. Missing networks and
	// networks still in use are not errors; cleanup must be idempotent.
	RemoveNetwork(ctx context.Context, name string) error

	// Inspect returns the container's current state.
	// Returns ErrContainerNotFound for unknown names.
	Inspect(ctx context.Context, name string) (*ContainerState, error)

	// Logs writes the last tail lines of the container's log to w.
	Logs(ctx context.Context, name string, tail int, w io.Writer) error

	// Exec runs argv inside a running container, streaming output to w
	// when non-nil.
	Exec(ctx context.Context, name string, argv []string, w io.Writer) (*process.Result, error)

	// ListStack lists all containers labeled with the project, including
	// stopped ones.
	ListStack(ctx context.Context, project string) ([]ContainerInfo, error)
}

// Config configures the docker-CLI engine.
type Config struct {
	// Binary is the engine CLI. Default: "docker". "podman" also works
	// since it implements the same grammar.
	Binary string
}

// Docker implements Engine by shelling out to the docker (or podman) CLI
// through a process.Manager.
type Docker struct {
	binary string
	pm     process.Manager
}

// NewDocker creates the production Engine.
func NewDocker(cfg Config, pm process.Manager) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	return &Docker{binary: cfg.Binary, pm: pm}
}

// Ping verifies the CLI is present and the daemon answers.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.pm.LookPath(d.binary); err != nil {
		return fmt.Errorf("%w: %s not in PATH", ErrEngineUnavailable, d.binary)
	}
	if _, err := d.pm.Run(ctx, d.binary, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// BuildImage runs "docker build".
//
// # Inputs
//
//   - ctx: bounds the build; callers attach the build timeout
//   - spec: image tag, context directory, Dockerfile, output sink
//
// # Outputs
//
//   - *process.Result: non-nil whenever the build process started
//   - error: non-nil on non-zero exit or cancellation
func (d *Docker) BuildImage(ctx context.Context, spec BuildSpec) (*process.Result, error) {
	args := []string{"build", "-t", spec.Image}
	if spec.Dockerfile != "" {
		args = append(args, "-f", spec.Dockerfile)
	}
	args = append(args, spec.ContextDir)

	return d.pm.RunWith(ctx, process.RunOptions{
		Name:   d.binary,
		Args:   args,
		Dir:    spec.ContextDir,
		Stdout: spec.Output,
		Stderr: spec.Output,
	})
}

// ImageExists checks the local image store.
func (d *Docker) ImageExists(ctx context.Context, image string) (bool, error) {
	res, err := d.pm.Run(ctx, d.binary, "image", "inspect", "--format", "{{.Id}}", image)
	if err != nil {
		if res != nil && res.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureNetwork creates the network if inspect fails.
func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := d.pm.Run(ctx, d.binary, "network", "inspect", name, "--format", "{{.Id}}"); err == nil {
		return nil
	}
	if _, err := d.pm.Run(ctx, d.binary, "network", "create", name); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// StartContainer runs "docker run -d" with deterministic argument order so
// command lines are stable in logs and tests.
func (d *Docker) StartContainer(ctx context.Context, spec ContainerSpec) error {
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--label", projectLabel + "=" + spec.Project,
		"--label", serviceLabel + "=" + spec.Service,
		"--restart", "unless-stopped",
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", p)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	args = append(args, spec.Image)

	if res, err := d.pm.Run(ctx, d.binary, args...); err != nil {
		return fmt.Errorf("failed to start container %s: %w\n%s", spec.Name, err, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// StopContainer runs "docker stop -t". Unknown containers are tolerated so
// that stopping a partially started stack is idempotent.
func (d *Docker) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	res, err := d.pm.Run(ctx, d.binary, "stop", "-t", strconv.Itoa(secs), name)
	if err != nil {
		if isNoSuchContainer(res) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// RemoveContainer runs "docker rm -f -v". The -v flag drops anonymous
// volumes with the container; named volumes are unaffected by it.
// Unknown containers are tolerated.
func (d *Docker) RemoveContainer(ctx context.Context, name string) error {
	res, err := d.pm.Run(ctx, d.binary, "rm", "-f", "-v", name)
	if err != nil {
		if isNoSuchContainer(res) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// RemoveNetwork runs "docker network rm". Missing or still-attached
// networks are tolerated so repeated cleanup converges instead of
// erroring.
func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	res, err := d.pm.Run(ctx, d.binary, "network", "rm", name)
	if err != nil {
		if res != nil {
			low := strings.ToLower(res.Stderr)
			if strings.Contains(low, "not found") || strings.Contains(low, "no such network") ||
				strings.Contains(low, "active endpoints") || strings.Contains(low, "in use") {
				return nil
			}
		}
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

// inspectPayload is the subset of "docker inspect" output the pipeline
// needs. Both docker and podman emit these fields.
type inspectPayload struct {
	Name   string `json:"Name"`
	Config struct {
		Image string `json:"Image"`
	} `json:"Config"`
	State struct {
		Running   bool   `json:"Running"`
		ExitCode  int    `json:"ExitCode"`
		StartedAt string `json:"StartedAt"`
		Health    *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
}

// Inspect runs "docker inspect" and decodes the state subset.
func (d *Docker) Inspect(ctx context.Context, name string) (*ContainerState, error) {
	res, err := d.pm.Run(ctx, d.binary, "inspect", "--type", "container", name)
	if err != nil {
		if isNoSuchContainer(res) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, name)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	var payload []inspectPayload
	if err := json.Unmarshal([]byte(res.Stdout), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode inspect output for %s: %w", name, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, name)
	}

	p := payload[0]
	state := &ContainerState{
		Name:     strings.TrimPrefix(p.Name, "/"),
		Image:    p.Config.Image,
		Running:  p.State.Running,
		ExitCode: p.State.ExitCode,
		Health:   HealthNone,
	}
	if p.State.Health != nil && p.State.Health.Status != "" {
		state.Health = HealthStatus(p.State.Health.Status)
	}
	if t, err := time.Parse(time.RFC3339Nano, p.State.StartedAt); err == nil {
		state.StartedAt = t
	}
	return state, nil
}

// Logs runs "docker logs --tail".
func (d *Docker) Logs(ctx context.Context, name string, tail int, w io.Writer) error {
	_, err := d.pm.RunWith(ctx, process.RunOptions{
		Name:   d.binary,
		Args:   []string{"logs", "--tail", strconv.Itoa(tail), name},
		Stdout: w,
		Stderr: w,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch logs for %s: %w", name, err)
	}
	return nil
}

// Exec runs "docker exec".
func (d *Docker) Exec(ctx context.Context, name string, argv []string, w io.Writer) (*process.Result, error) {
	args := append([]string{"exec", name}, argv...)
	return d.pm.RunWith(ctx, process.RunOptions{
		Name:   d.binary,
		Args:   args,
		Stdout: w,
		Stderr: w,
	})
}

// ListStack runs "docker ps -a" filtered to the project label.
func (d *Docker) ListStack(ctx context.Context, project string) ([]ContainerInfo, error) {
	res, err := d.pm.Run(ctx, d.binary,
		"ps", "-a",
		"--filter", "label="+projectLabel+"="+project,
		"--format", "{{.Names}}\t{{.Label \""+serviceLabel+"\"}}\t{{.Image}}\t{{.State}}\t{{.Status}}",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stack %s: %w", project, err)
	}

	var infos []ContainerInfo
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 5)
		info := ContainerInfo{Name: parts[0]}
		if len(parts) > 1 {
			info.Service = parts[1]
		}
		if len(parts) > 2 {
			info.Image = parts[2]
		}
		if len(parts) > 3 {
			info.State = parts[3]
		}
		if len(parts) > 4 {
			info.Status = parts[4]
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// isNoSuchContainer matches the CLI's not-found stderr, which both docker
// and podman phrase with "no such container".
func isNoSuchContainer(res *process.Result) bool {
	if res == nil {
		return false
	}
	return strings.Contains(strings.ToLower(res.Stderr), "no such container")
}

// sortedKeys returns map keys in sorted order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Compile-time interface check
var _ Engine = (*Docker)(nil)
