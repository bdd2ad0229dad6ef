// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/engine"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/util"
	"github.com/l9labs/deploygate/pkg/logging"
)

// SmokeTestRunner runs functional checks against the live stack.
//
// # Description
//
// Three layers, in order:
//
//  1. A declared application test suite, executed inside the stack's
//     network via the service's container
//  2. Otherwise, a battery of HTTP probes asserting exact status codes;
//     when the descriptor declares none, the probes derive from each
//     service's HTTP health endpoint
//  3. A datastore connectivity guard that rejects any configured
//     connection target resolving to a loopback address
//
// The loopback guard exists for a known misconfiguration class: a
// service-to-service URL pointing at localhost works only inside the
// container that set it and silently breaks every cross-container call.
//
// Probes do not stop at the first failure; the report carries every
// failed assertion.
type SmokeTestRunner struct {
	eng       engine.Engine
	desc      *config.Descriptor
	timeout   time.Duration
	tailLines int
	client    *http.Client
	lookup    func(host string) ([]string, error)
	log       *logging.Logger
	printer   *Printer
}

// NewSmokeTestRunner creates a runner for the descriptor's smoke config.
func NewSmokeTestRunner(cfg *config.Pipeline, desc *config.Descriptor, eng engine.Engine, log *logging.Logger, printer *Printer) *SmokeTestRunner {
	return &SmokeTestRunner{
		eng:       eng,
		desc:      desc,
		timeout:   enforceMinTimeout(cfg.Timeouts.Smoke, MinSmokeTimeout),
		tailLines: cfg.LogTailLines,
		client:    &http.Client{Timeout: 10 * time.Second},
		lookup:    net.LookupHost,
		log:       log,
		printer:   printer,
	}
}

// Run executes the smoke battery.
//
// # Outputs
//
//   - error: a *SmokeTestError listing every failed assertion, or nil
func (r *SmokeTestRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var failures []ProbeFailure

	if suite := r.desc.Smoke.Suite; suite != nil {
		if f := r.runSuite(ctx, suite); f != nil {
			failures = append(failures, *f)
		}
	} else {
		failures = append(failures, r.runProbes(ctx)...)
	}

	failures = append(failures, r.checkDatastoreTarget()...)

	if len(failures) > 0 {
		for _, f := range failures {
			r.printer.Fail("%s: %s", f.Name, f.Detail)
		}
		return &SmokeTestError{Failures: failures}
	}
	return nil
}

// runSuite executes the declared test suite inside its container.
func (r *SmokeTestRunner) runSuite(ctx context.Context, suite *config.Suite) *ProbeFailure {
	svc := r.desc.Services[suite.Service]
	name := r.desc.ContainerNameOf(svc)
	r.log.Info("running smoke suite", "container", name, "command", strings.Join(suite.Command, " "))

	tail := util.NewLineTail(r.tailLines)
	res, err := r.eng.Exec(ctx, name, suite.Command, tail)
	if err != nil {
		exitCode := -1
		if res != nil {
			exitCode = res.ExitCode
		}
		detail := fmt.Sprintf("suite exited with code %d", exitCode)
		if lines := tail.Lines(); len(lines) > 0 {
			detail += "\n" + strings.Join(lines, "\n")
		}
		return &ProbeFailure{Name: "suite:" + suite.Service, Detail: detail}
	}

	r.printer.OK("smoke suite passed (%s)", suite.Service)
	return nil
}

// runProbes runs the HTTP battery: declared probes, or the derived
// health-endpoint set when none are declared.
func (r *SmokeTestRunner) runProbes(ctx context.Context) []ProbeFailure {
	probes := r.desc.Smoke.Probes
	if len(probes) == 0 {
		probes = r.derivedProbes()
	}

	var failures []ProbeFailure
	for _, probe := range probes {
		if f := r.runProbe(ctx, probe); f != nil {
			failures = append(failures, *f)
		} else {
			r.printer.OK("probe %s", probe.Name)
		}
	}
	return failures
}

// derivedProbes builds a probe per service with an HTTP health signal.
func (r *SmokeTestRunner) derivedProbes() []config.Probe {
	var probes []config.Probe
	for _, name := range r.desc.ServiceNames() {
		h := r.desc.Services[name].Health
		if h.Type != config.HealthHTTP || h.URL == "" {
			continue
		}
		probes = append(probes, config.Probe{
			Name:         name + "-health",
			URL:          h.URL,
			ExpectStatus: h.ExpectStatus,
		})
	}
	return probes
}

// runProbe asserts one HTTP probe's exact status code.
func (r *SmokeTestRunner) runProbe(ctx context.Context, probe config.Probe) *ProbeFailure {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.URL, nil)
	if err != nil {
		return &ProbeFailure{Name: probe.Name, Detail: fmt.Sprintf("invalid URL %s: %v", probe.URL, err)}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return &ProbeFailure{Name: probe.Name, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != probe.ExpectStatus {
		return &ProbeFailure{
			Name:   probe.Name,
			Detail: fmt.Sprintf("GET %s: status %d, want %d", probe.URL, resp.StatusCode, probe.ExpectStatus),
		}
	}
	return nil
}

// checkDatastoreTarget runs the loopback guard over every service whose
// environment carries the configured connection variable.
func (r *SmokeTestRunner) checkDatastoreTarget() []ProbeFailure {
	envKey := r.desc.Smoke.DatabaseURLEnv
	var failures []ProbeFailure
	for _, name := range r.desc.ServiceNames() {
		if db := r.desc.Smoke.DatabaseService; db != "" && db != name {
			continue
		}
		raw, ok := r.desc.Services[name].Env[envKey]
		if !ok || raw == "" {
			continue
		}
		if f := r.checkConnectionTarget(name, envKey, raw); f != nil {
			failures = append(failures, *f)
		} else {
			r.printer.OK("datastore target for %s", name)
		}
	}
	return failures
}

// checkConnectionTarget rejects connection URLs whose host is, or
// resolves to, a loopback address. A host matching a descriptor service
// name is the correct cross-container pattern and passes without DNS.
func (r *SmokeTestRunner) checkConnectionTarget(service, envKey, raw string) *ProbeFailure {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return &ProbeFailure{
			Name:   "datastore:" + service,
			Detail: fmt.Sprintf("%s is not a parseable connection URL", envKey),
		}
	}
	host := u.Hostname()

	if isLoopbackHost(host) {
		return &ProbeFailure{
			Name: "datastore:" + service,
			Detail: fmt.Sprintf("%s points at loopback address %s; use the service name so other containers can reach it",
				envKey, host),
		}
	}

	if _, ok := r.desc.Services[host]; ok {
		return nil
	}

	addrs, err := r.lookup(host)
	if err != nil {
		return &ProbeFailure{
			Name:   "datastore:" + service,
			Detail: fmt.Sprintf("%s host %s is neither a stack service nor resolvable", envKey, host),
		}
	}
	for _, addr := range addrs {
		if isLoopbackHost(addr) {
			return &ProbeFailure{
				Name:   "datastore:" + service,
				Detail: fmt.Sprintf("%s host %s resolves to loopback %s", envKey, host, addr),
			}
		}
	}
	return nil
}

// isLoopbackHost reports whether host is a literal loopback address or
// the localhost name.
func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
