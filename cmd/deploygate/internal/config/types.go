// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"sort"
	"time"
)

// Pipeline is the top-level deploygate configuration, loaded from
// deploygate.yaml in the deploy root.
//
// All durations accept Go duration syntax ("90s", "10m"). Zero values are
// replaced with defaults by ApplyDefaults before validation.
type Pipeline struct {
	// DeployRoot is the directory containing the application tree and the
	// stack descriptor. All relative paths resolve against it.
	DeployRoot string `yaml:"deploy_root" validate:"required"`

	// Descriptor is the stack descriptor path, relative to DeployRoot.
	// Default: "deploy-stack.yaml"
	Descriptor string `yaml:"descriptor"`

	// BackupRoot is where timestamped backups are stored.
	// Default: "{DeployRoot}/.deploygate/backups"
	BackupRoot string `yaml:"backup_root"`

	// BackupRetention is how many backups to keep. Oldest beyond this
	// count are pruned after each snapshot.
	// Default: 5
	BackupRetention int `yaml:"backup_retention" validate:"gte=1,lte=50"`

	// LogDir enables JSON file logging when non-empty.
	LogDir string `yaml:"log_dir"`

	// LogTailLines bounds the diagnostic tail captured from builds and
	// container logs on failure.
	// Default: 60
	LogTailLines int `yaml:"log_tail_lines" validate:"gte=10,lte=1000"`

	// Timeouts bound every blocking wait in the pipeline.
	Timeouts Timeouts `yaml:"timeouts"`

	// Remote configures the VPS target for --remote deploys.
	Remote Remote `yaml:"remote"`
}

// Timeouts bounds the pipeline's blocking operations. There is no
// unbounded wait anywhere: zero values get defaults, and floors are
// enforced at use sites.
type Timeouts struct {
	// Build bounds a single image build.
	// Default: 10m
	Build time.Duration `yaml:"build"`

	// StopGrace is the per-service graceful stop window before SIGKILL.
	// Default: 20s
	StopGrace time.Duration `yaml:"stop_grace"`

	// Health bounds waiting for one service to become healthy.
	// Default: 120s
	Health time.Duration `yaml:"health"`

	// HealthInterval is the poll tick.
	// Default: 2s
	HealthInterval time.Duration `yaml:"health_interval"`

	// Smoke bounds the whole smoke-test phase.
	// Default: 5m
	Smoke time.Duration `yaml:"smoke"`

	// Remote bounds a single remote command (mirror or deploy step).
	// Default: 20m
	Remote time.Duration `yaml:"remote"`
}

// Remote describes the SSH deployment target.
type Remote struct {
	// Host is the ssh destination ("deploy@vps.example.com").
	Host string `yaml:"host"`

	// Root is the deployment root on the remote host. Remote commands run
	// with the working directory pinned here.
	Root string `yaml:"root"`

	// Port is the ssh port. Default: 22
	Port int `yaml:"port" validate:"omitempty,gte=1,lte=65535"`

	// IdentityFile is an optional ssh private key path.
	IdentityFile string `yaml:"identity_file"`
}

// Descriptor is the stack descriptor: the declarative description of the
// service stack consumed read-only by the pipeline.
type Descriptor struct {
	// Version is the descriptor schema version. Only 1 is defined.
	Version int `yaml:"version" validate:"eq=1"`

	// Project names the stack; container and network names derive from it.
	Project string `yaml:"project" validate:"required,hostname_rfc1123"`

	// Network is the internal network name.
	// Default: "{Project}-internal"
	Network string `yaml:"network"`

	// Services maps service name to its spec.
	Services map[string]*Service `yaml:"services" validate:"required,min=1,dive,required"`

	// Smoke configures the smoke-test battery.
	Smoke Smoke `yaml:"smoke"`
}

// Service is the static description of one deployable unit. Read-only
// after parsing; never mutated at runtime.
type Service struct {
	// Name is filled from the map key during load.
	Name string `yaml:"-"`

	// Build locates the image build inputs.
	Build Build `yaml:"build"`

	// Image overrides the derived image reference. When empty the image is
	// "{project}/{name}:{tag}" with the tag supplied per run.
	Image string `yaml:"image"`

	// ContainerName overrides the derived "{project}-{name}" name.
	ContainerName string `yaml:"container_name"`

	// DependsOn lists services that must be healthy before this one is
	// issued a start command.
	DependsOn []string `yaml:"depends_on"`

	// Ports are "host:container" bindings.
	Ports []string `yaml:"ports"`

	// Env is the service environment.
	Env map[string]string `yaml:"env"`

	// Health declares how readiness is observed.
	Health Health `yaml:"health"`
}

// Build locates a service's build context and definition. A service with
// an empty Context is image-only; the validation phase enforces that one
// of the two is set.
type Build struct {
	// Context is the build context directory, relative to the deploy root.
	Context string `yaml:"context"`

	// Dockerfile is the build definition path relative to Context.
	// Default: "Dockerfile"
	Dockerfile string `yaml:"dockerfile"`
}

// HealthType enumerates supported health signals.
type HealthType string

const (
	// HealthHTTP probes a URL and asserts the response status.
	HealthHTTP HealthType = "http"

	// HealthTCP asserts a TCP connection can be established.
	HealthTCP HealthType = "tcp"

	// HealthContainer trusts the container runtime's own health status.
	HealthContainer HealthType = "container"
)

// Health declares one service's health signal.
type Health struct {
	// Type selects the probe. Default: "container"
	Type HealthType `yaml:"type" validate:"omitempty,oneof=http tcp container"`

	// URL is required for http probes.
	URL string `yaml:"url" validate:"required_if=Type http,omitempty,url"`

	// ExpectStatus is the exact HTTP status asserted. Default: 200
	ExpectStatus int `yaml:"expect_status" validate:"omitempty,gte=100,lte=599"`

	// Address is "host:port", required for tcp probes.
	Address string `yaml:"address" validate:"required_if=Type tcp"`

	// Timeout overrides the pipeline health timeout for this service.
	Timeout time.Duration `yaml:"timeout"`
}

// Smoke configures the functional checks run against the live stack.
type Smoke struct {
	// Suite, when set, is an application test suite executed inside the
	// stack's network. It takes precedence over Probes.
	Suite *Suite `yaml:"suite"`

	// Probes is the fallback battery of HTTP checks.
	Probes []Probe `yaml:"probes" validate:"dive"`

	// DatabaseURLEnv names the environment variable holding the datastore
	// connection target, checked by the connectivity probe.
	// Default: "DATABASE_URL"
	DatabaseURLEnv string `yaml:"database_url_env"`

	// DatabaseService names the service whose environment carries the
	// connection target. Default: first service that defines the variable.
	DatabaseService string `yaml:"database_service"`
}

// Suite is an in-stack test-suite invocation.
type Suite struct {
	// Service is the container in which to run the suite.
	Service string `yaml:"service" validate:"required"`

	// Command is the argv to execute.
	Command []string `yaml:"command" validate:"required,min=1"`
}

// Probe is one HTTP smoke assertion.
type Probe struct {
	// Name identifies the probe in failure reports.
	Name string `yaml:"name" validate:"required"`

	// URL is probed with GET.
	URL string `yaml:"url" validate:"required,url"`

	// ExpectStatus is the exact status code asserted.
	ExpectStatus int `yaml:"expect_status" validate:"required,gte=100,lte=599"`
}

// ContainerNameOf returns the service's container name, derived from the
// project when not set explicitly.
func (d *Descriptor) ContainerNameOf(svc *Service) string {
	if svc.ContainerName != "" {
		return svc.ContainerName
	}
	return d.Project + "-" + svc.Name
}

// ImageOf returns the service's image reference for the given release tag.
func (d *Descriptor) ImageOf(svc *Service, tag string) string {
	if svc.Image != "" {
		return svc.Image
	}
	return d.Project + "/" + svc.Name + ":" + tag
}

// ServiceNames returns service names in deterministic (sorted) order.
func (d *Descriptor) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
