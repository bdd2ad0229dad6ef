// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"strings"
	"testing"
)

// TestValidate_OK verifies a correct descriptor passes.
func TestValidate_OK(t *testing.T) {
	cfg := newTestConfig(t)
	writeTestStack(t, cfg)

	desc, err := NewConfigValidator(cfg, testLogger(t)).Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(desc.Services) != 3 {
		t.Errorf("services = %d, want 3", len(desc.Services))
	}
}

// TestValidate_MissingBuildDefinition verifies a missing Dockerfile is a
// defect and validation fails closed.
func TestValidate_MissingBuildDefinition(t *testing.T) {
	cfg := newTestConfig(t)
	writeTestStack(t, cfg)
	// api's build definition disappears; its context stays.
	writeTestFile(t, cfg, "services/api/keep", "")
	if err := removeTestFile(cfg, "services/api/Dockerfile"); err != nil {
		t.Fatal(err)
	}

	_, err := NewConfigValidator(cfg, testLogger(t)).Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if len(cfgErr.Defects) != 1 || !strings.Contains(cfgErr.Defects[0], "does not exist") {
		t.Errorf("Defects = %v", cfgErr.Defects)
	}
	if !strings.Contains(cfgErr.Defects[0], "api") {
		t.Errorf("defect does not name the service: %v", cfgErr.Defects)
	}
}

// TestValidate_CollectsAllDefects verifies all defects are reported
// together instead of stopping at the first.
func TestValidate_CollectsAllDefects(t *testing.T) {
	cfg := newTestConfig(t)
	writeTestFile(t, cfg, "deploy-stack.yaml", `
version: 1
project: shoply
services:
  api:
    build:
      context: services/api
    depends_on: [ghost]
  worker:
    build:
      context: services/worker
`)
	// api has no FROM; worker's context does not exist at all.
	writeTestFile(t, cfg, "services/api/Dockerfile", "RUN echo no base image\n")

	_, err := NewConfigValidator(cfg, testLogger(t)).Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if len(cfgErr.Defects) != 3 {
		t.Fatalf("Defects = %d (%v), want 3", len(cfgErr.Defects), cfgErr.Defects)
	}
	joined := strings.Join(cfgErr.Defects, "\n")
	for _, want := range []string{"no base image", "does not exist", "undefined service ghost"} {
		if !strings.Contains(joined, want) {
			t.Errorf("defects missing %q:\n%s", want, joined)
		}
	}
}

// TestValidate_MalformedDescriptor verifies parse failures surface as
// ConfigError.
func TestValidate_MalformedDescriptor(t *testing.T) {
	cfg := newTestConfig(t)
	writeTestFile(t, cfg, "deploy-stack.yaml", "services: [broken")

	_, err := NewConfigValidator(cfg, testLogger(t)).Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
}

// TestValidate_DependencyCycle verifies cycles are static defects.
func TestValidate_DependencyCycle(t *testing.T) {
	cfg := newTestConfig(t)
	writeTestFile(t, cfg, "deploy-stack.yaml", `
version: 1
project: shoply
services:
  a:
    image: x:1
    depends_on: [b]
  b:
    image: x:1
    depends_on: [c]
  c:
    image: x:1
    depends_on: [a]
`)

	_, err := NewConfigValidator(cfg, testLogger(t)).Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	found := false
	for _, d := range cfgErr.Defects {
		if strings.Contains(d, "dependency cycle") {
			found = true
		}
	}
	if !found {
		t.Errorf("no cycle defect in %v", cfgErr.Defects)
	}
}

// TestValidate_SelfDependency verifies self-references are rejected.
func TestValidate_SelfDependency(t *testing.T) {
	cfg := newTestConfig(t)
	writeTestFile(t, cfg, "deploy-stack.yaml", `
version: 1
project: shoply
services:
  a:
    image: x:1
    depends_on: [a]
`)

	_, err := NewConfigValidator(cfg, testLogger(t)).Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
}

// TestValidate_NeitherBuildNorImage verifies an unstartable service is
// caught statically.
func TestValidate_NeitherBuildNorImage(t *testing.T) {
	cfg := newTestConfig(t)
	writeTestFile(t, cfg, "deploy-stack.yaml", `
version: 1
project: shoply
services:
  api:
    ports: ["8000:8000"]
`)

	_, err := NewConfigValidator(cfg, testLogger(t)).Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if !strings.Contains(cfgErr.Defects[0], "neither build context nor image") {
		t.Errorf("Defects = %v", cfgErr.Defects)
	}
}

// TestValidate_UnknownSmokeSuiteService verifies smoke references are
// checked.
func TestValidate_UnknownSmokeSuiteService(t *testing.T) {
	cfg := newTestConfig(t)
	writeTestFile(t, cfg, "deploy-stack.yaml", `
version: 1
project: shoply
services:
  api:
    image: x:1
smoke:
  suite:
    service: tests
    command: [pytest, -q]
`)

	_, err := NewConfigValidator(cfg, testLogger(t)).Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if !strings.Contains(cfgErr.Defects[0], "undefined service tests") {
		t.Errorf("Defects = %v", cfgErr.Defects)
	}
}

// TestHasBaseImage verifies FROM detection across Dockerfile shapes.
func TestHasBaseImage(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"plain", "FROM alpine:3.20\n", true},
		{"lowercase", "from alpine\n", true},
		{"arg before from", "ARG BASE=alpine\nFROM ${BASE}\n", true},
		{"comment and blank first", "# build\n\nFROM alpine\n", true},
		{"no from", "RUN echo hi\n", false},
		{"empty", "", false},
		{"from in comment only", "# FROM alpine\nRUN echo\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasBaseImage(tt.content); got != tt.want {
				t.Errorf("hasBaseImage(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}
