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
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/engine"
	"github.com/l9labs/deploygate/pkg/logging"
)

// ErrUnhealthy is wrapped into every health wait failure.
var ErrUnhealthy = errors.New("service did not become healthy")

// PollerConfig configures DefaultPoller timing.
type PollerConfig struct {
	// Interval between probes.
	Interval time.Duration

	// Timeout is the default per-service wait, overridable per service in
	// the descriptor.
	Timeout time.Duration
}

// DefaultPoller implements HealthPoller against a live stack.
type DefaultPoller struct {
	eng    engine.Engine
	desc   *config.Descriptor
	cfg    PollerConfig
	client *http.Client
	log    *logging.Logger
}

// NewDefaultPoller creates the production poller.
func NewDefaultPoller(eng engine.Engine, desc *config.Descriptor, cfg PollerConfig, log *logging.Logger) *DefaultPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultHealthInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultHealthTimeout
	}
	// Per-probe timeout tracks the poll interval, floored at a second so
	// short intervals still give each probe a fair chance to answer.
	probeTimeout := cfg.Interval
	if probeTimeout < time.Second {
		probeTimeout = time.Second
	}
	return &DefaultPoller{
		eng:    eng,
		desc:   desc,
		cfg:    cfg,
		client: &http.Client{Timeout: probeTimeout},
		log:    log,
	}
}

// CheckOnce runs the declared probe a single time.
func (p *DefaultPoller) CheckOnce(ctx context.Context, svc *config.Service) CheckResult {
	start := time.Now()
	var res CheckResult
	switch svc.Health.Type {
	case config.HealthHTTP:
		res = p.checkHTTP(ctx, svc)
	case config.HealthTCP:
		res = p.checkTCP(ctx, svc)
	default:
		res = p.checkContainer(ctx, svc)
	}
	res.Service = svc.Name
	res.Attempts = 1
	res.CheckedAt = start
	res.Elapsed = time.Since(start)
	return res
}

func (p *DefaultPoller) checkHTTP(ctx context.Context, svc *config.Service) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.Health.URL, nil)
	if err != nil {
		return CheckResult{Detail: fmt.Sprintf("invalid health URL: %v", err), Fatal: true}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return CheckResult{Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != svc.Health.ExpectStatus {
		return CheckResult{Detail: fmt.Sprintf("status %d, want %d", resp.StatusCode, svc.Health.ExpectStatus)}
	}
	return CheckResult{Healthy: true, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
}

func (p *DefaultPoller) checkTCP(ctx context.Context, svc *config.Service) CheckResult {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", svc.Health.Address)
	if err != nil {
		return CheckResult{Detail: err.Error()}
	}
	conn.Close()
	return CheckResult{Healthy: true, Detail: "port open"}
}

func (p *DefaultPoller) checkContainer(ctx context.Context, svc *config.Service) CheckResult {
	name := p.desc.ContainerNameOf(svc)
	state, err := p.eng.Inspect(ctx, name)
	if err != nil {
		if errors.Is(err, engine.ErrContainerNotFound) {
			return CheckResult{Detail: "container not found", Fatal: true}
		}
		return CheckResult{Detail: err.Error()}
	}
	if !state.Running {
		// An exited container will not come back on its own.
		return CheckResult{Detail: fmt.Sprintf("container exited with code %d", state.ExitCode), Fatal: true}
	}
	switch state.Health {
	case engine.HealthHealthy:
		return CheckResult{Healthy: true, Detail: "healthy"}
	case engine.HealthUnhealthy:
		return CheckResult{Detail: "healthcheck failing"}
	case engine.HealthNone:
		return CheckResult{Healthy: true, Detail: "running (no healthcheck)"}
	default:
		return CheckResult{Detail: "healthcheck starting"}
	}
}

// WaitFor polls the service until healthy, fatal, or timed out.
//
// # Edge Cases
//
//   - A fatal probe result (exited container) fails immediately
//   - Context cancellation fails immediately with the last known detail
//   - The first probe runs right away; the interval applies between probes
func (p *DefaultPoller) WaitFor(ctx context.Context, svc *config.Service) error {
	timeout := svc.Health.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	timeout = enforceMinTimeout(timeout, MinHealthTimeout)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	lastDetail := "no probe completed"
	attempts := 0
	for {
		res := p.CheckOnce(waitCtx, svc)
		attempts++
		res.Attempts = attempts
		if res.Healthy {
			p.log.Debug("service healthy", "service", svc.Name, "detail", res.Detail, "attempts", res.Attempts, "elapsed", res.Elapsed)
			return nil
		}
		lastDetail = res.Detail
		if res.Fatal {
			return fmt.Errorf("%w: %s: %s", ErrUnhealthy, svc.Name, res.Detail)
		}
		p.log.Debug("service not ready", "service", svc.Name, "detail", res.Detail, "attempt", res.Attempts, "checked_at", res.CheckedAt)

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w while %s", ErrUnhealthy, svc.Name, ctx.Err(), lastDetail)
			}
			return fmt.Errorf("%w: %s: timed out after %s (%d probes), last state: %s", ErrUnhealthy, svc.Name, timeout, attempts, lastDetail)
		case <-ticker.C:
		}
	}
}

// WaitAll waits for every service concurrently and fails fast.
func (p *DefaultPoller) WaitAll(ctx context.Context, svcs []*config.Service) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range svcs {
		g.Go(func() error {
			return p.WaitFor(gctx, svc)
		})
	}
	return g.Wait()
}

// Compile-time interface check
var _ HealthPoller = (*DefaultPoller)(nil)
