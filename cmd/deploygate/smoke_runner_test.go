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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/process"
)

func newTestSmokeRunner(t *testing.T, desc *config.Descriptor, eng *fakeEngine) *SmokeTestRunner {
	t.Helper()
	cfg := newTestConfig(t)
	return NewSmokeTestRunner(cfg, desc, eng, testLogger(t), testPrinter())
}

// smokeDescriptor builds a minimal descriptor with the given smoke block
// and one api service whose env carries the connection URL.
func smokeDescriptor(smoke config.Smoke, dbURL string) *config.Descriptor {
	env := map[string]string{}
	if dbURL != "" {
		env["DATABASE_URL"] = dbURL
	}
	if smoke.DatabaseURLEnv == "" {
		smoke.DatabaseURLEnv = "DATABASE_URL"
	}
	return &config.Descriptor{
		Version: 1,
		Project: "shoply",
		Services: map[string]*config.Service{
			"api": {Name: "api", Env: env},
			"db":  {Name: "db"},
		},
		Smoke: smoke,
	}
}

// TestSmoke_ProbesPass verifies declared probes with exact statuses.
func TestSmoke_ProbesPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	desc := smokeDescriptor(config.Smoke{
		Probes: []config.Probe{
			{Name: "api-health", URL: srv.URL + "/healthz", ExpectStatus: 200},
			{Name: "api-ready", URL: srv.URL + "/readyz", ExpectStatus: 204},
		},
	}, "postgres://shoply:pw@db:5432/shoply")

	runner := newTestSmokeRunner(t, desc, newFakeEngine())
	if err := runner.Run(context.Background()); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

// TestSmoke_CollectsAllFailures verifies the report carries every failed
// assertion, not just the first.
func TestSmoke_CollectsAllFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	desc := smokeDescriptor(config.Smoke{
		Probes: []config.Probe{
			{Name: "one", URL: srv.URL + "/a", ExpectStatus: 200},
			{Name: "two", URL: srv.URL + "/b", ExpectStatus: 200},
		},
	}, "")

	runner := newTestSmokeRunner(t, desc, newFakeEngine())
	err := runner.Run(context.Background())

	var smokeErr *SmokeTestError
	if !errors.As(err, &smokeErr) {
		t.Fatalf("error = %v, want *SmokeTestError", err)
	}
	if len(smokeErr.Failures) != 2 {
		t.Errorf("failures = %d (%v), want 2", len(smokeErr.Failures), smokeErr.Failures)
	}
	if !strings.Contains(smokeErr.Failures[0].Detail, "status 502, want 200") {
		t.Errorf("Detail = %q", smokeErr.Failures[0].Detail)
	}
}

// TestSmoke_LoopbackGuard verifies connection targets pointing at
// loopback are rejected, never silently passed.
func TestSmoke_LoopbackGuard(t *testing.T) {
	loopbackURLs := []string{
		"postgres://shoply:pw@localhost:5432/shoply",
		"postgres://shoply:pw@127.0.0.1:5432/shoply",
		"postgres://shoply:pw@127.8.8.8:5432/shoply",
		"postgres://shoply:pw@[::1]:5432/shoply",
	}
	for _, dbURL := range loopbackURLs {
		t.Run(dbURL, func(t *testing.T) {
			desc := smokeDescriptor(config.Smoke{}, dbURL)
			runner := newTestSmokeRunner(t, desc, newFakeEngine())

			err := runner.Run(context.Background())
			var smokeErr *SmokeTestError
			if !errors.As(err, &smokeErr) {
				t.Fatalf("error = %v, want *SmokeTestError", err)
			}
			if len(smokeErr.Failures) != 1 || !strings.Contains(smokeErr.Failures[0].Detail, "loopback") {
				t.Errorf("Failures = %v, want one loopback rejection", smokeErr.Failures)
			}
		})
	}
}

// TestSmoke_ServiceNameTargetPasses verifies the correct cross-container
// pattern passes without DNS.
func TestSmoke_ServiceNameTargetPasses(t *testing.T) {
	desc := smokeDescriptor(config.Smoke{}, "postgres://shoply:pw@db:5432/shoply")
	runner := newTestSmokeRunner(t, desc, newFakeEngine())

	if err := runner.Run(context.Background()); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

// TestSmoke_ResolvedLoopbackRejected verifies hostnames resolving to
// loopback are caught, not just literal addresses.
func TestSmoke_ResolvedLoopbackRejected(t *testing.T) {
	desc := smokeDescriptor(config.Smoke{}, "postgres://shoply:pw@db.internal:5432/shoply")
	runner := newTestSmokeRunner(t, desc, newFakeEngine())
	runner.lookup = func(host string) ([]string, error) {
		return []string{"127.0.0.1"}, nil
	}

	err := runner.Run(context.Background())
	var smokeErr *SmokeTestError
	if !errors.As(err, &smokeErr) {
		t.Fatalf("error = %v, want *SmokeTestError", err)
	}
	if !strings.Contains(smokeErr.Failures[0].Detail, "resolves to loopback") {
		t.Errorf("Detail = %q", smokeErr.Failures[0].Detail)
	}
}

// TestSmoke_SuitePasses verifies the in-stack suite takes precedence.
func TestSmoke_SuitePasses(t *testing.T) {
	desc := smokeDescriptor(config.Smoke{
		Suite: &config.Suite{Service: "api", Command: []string{"pytest", "-q", "tests/smoke"}},
		// Declared probes must be ignored when a suite exists.
		Probes: []config.Probe{{Name: "ignored", URL: "http://127.0.0.1:1/", ExpectStatus: 200}},
	}, "")

	eng := newFakeEngine()
	var execArgv []string
	eng.execResult = func(name string, argv []string) (*process.Result, error) {
		execArgv = argv
		return &process.Result{}, nil
	}

	runner := newTestSmokeRunner(t, desc, eng)
	if err := runner.Run(context.Background()); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if len(execArgv) != 3 || execArgv[0] != "pytest" {
		t.Errorf("suite argv = %v", execArgv)
	}
}

// TestSmoke_SuiteFailureCarriesOutput verifies suite failures report the
// captured output tail.
func TestSmoke_SuiteFailureCarriesOutput(t *testing.T) {
	desc := smokeDescriptor(config.Smoke{
		Suite: &config.Suite{Service: "api", Command: []string{"pytest", "-q"}},
	}, "")

	eng := newFakeEngine()
	eng.execResult = func(name string, argv []string) (*process.Result, error) {
		return &process.Result{ExitCode: 2}, fmt.Errorf("exec exited with code 2")
	}

	runner := newTestSmokeRunner(t, desc, eng)
	err := runner.Run(context.Background())

	var smokeErr *SmokeTestError
	if !errors.As(err, &smokeErr) {
		t.Fatalf("error = %v, want *SmokeTestError", err)
	}
	if !strings.Contains(smokeErr.Failures[0].Name, "suite:api") {
		t.Errorf("Name = %q", smokeErr.Failures[0].Name)
	}
	if !strings.Contains(smokeErr.Failures[0].Detail, "exited with code 2") {
		t.Errorf("Detail = %q", smokeErr.Failures[0].Detail)
	}
}

// TestSmoke_DerivedProbes verifies probes derive from HTTP health
// endpoints when none are declared.
func TestSmoke_DerivedProbes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	desc := smokeDescriptor(config.Smoke{}, "")
	desc.Services["api"].Health = config.Health{
		Type:         config.HealthHTTP,
		URL:          srv.URL + "/healthz",
		ExpectStatus: 200,
	}

	runner := newTestSmokeRunner(t, desc, newFakeEngine())
	if err := runner.Run(context.Background()); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
