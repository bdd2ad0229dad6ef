// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/pkg/logging"
)

// ConfigValidator statically checks the stack descriptor before anything
// is built or started.
//
// # Description
//
// Validation fails closed: one defect marks the whole descriptor invalid.
// All defects are collected and reported together so a broken descriptor
// is fixed in one round-trip instead of one error per run. The validator
// only reads the filesystem; it has no side effects.
//
// Checks, in order:
//
//  1. The descriptor parses and passes structural constraints
//  2. Every buildable service's context directory exists
//  3. Every buildable service's build definition file exists
//  4. Every build definition declares a base image (FROM)
//  5. Every depends_on entry names a defined service, with no cycles
//  6. The smoke suite's service, when declared, is defined
type ConfigValidator struct {
	cfg *config.Pipeline
	log *logging.Logger
}

// NewConfigValidator creates a validator for the pipeline config.
func NewConfigValidator(cfg *config.Pipeline, log *logging.Logger) *ConfigValidator {
	return &ConfigValidator{cfg: cfg, log: log}
}

// Validate loads the descriptor and runs all checks.
//
// # Outputs
//
//   - *config.Descriptor: the parsed descriptor on success
//   - error: a *ConfigError carrying either the parse failure or the full
//     defect list
func (v *ConfigValidator) Validate() (*config.Descriptor, error) {
	path := v.cfg.DescriptorPath()

	desc, err := config.LoadDescriptor(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var defects []string
	for _, name := range desc.ServiceNames() {
		defects = append(defects, v.checkService(desc, desc.Services[name])...)
	}
	defects = append(defects, v.checkDependencies(desc)...)
	defects = append(defects, v.checkSmoke(desc)...)

	if len(defects) > 0 {
		v.log.Error("descriptor validation failed", "path", path, "defects", len(defects))
		return nil, &ConfigError{Path: path, Defects: defects}
	}

	v.log.Info("descriptor validated", "path", path, "services", len(desc.Services))
	return desc, nil
}

// checkService verifies build inputs for one service. Services with a
// pinned image and no build block have nothing to check.
func (v *ConfigValidator) checkService(desc *config.Descriptor, svc *config.Service) []string {
	if svc.Build.Context == "" {
		if svc.Image == "" {
			return []string{fmt.Sprintf("service %s: neither build context nor image is set", svc.Name)}
		}
		return nil
	}

	var defects []string
	ctxDir := filepath.Join(v.cfg.DeployRoot, svc.Build.Context)
	info, err := os.Stat(ctxDir)
	switch {
	case err != nil:
		defects = append(defects, fmt.Sprintf("service %s: build context %s does not exist", svc.Name, ctxDir))
		return defects
	case !info.IsDir():
		defects = append(defects, fmt.Sprintf("service %s: build context %s is not a directory", svc.Name, ctxDir))
		return defects
	}

	dfPath := filepath.Join(ctxDir, svc.Build.Dockerfile)
	data, err := os.ReadFile(dfPath)
	if err != nil {
		defects = append(defects, fmt.Sprintf("service %s: build definition %s does not exist", svc.Name, dfPath))
		return defects
	}
	if !hasBaseImage(string(data)) {
		defects = append(defects, fmt.Sprintf("service %s: build definition %s has no base image (FROM) declaration", svc.Name, dfPath))
	}
	return defects
}

// checkDependencies verifies depends_on references and rejects cycles.
// A cyclic dependency set can never satisfy the start ordering, so it is
// a static defect rather than a runtime deadlock.
func (v *ConfigValidator) checkDependencies(desc *config.Descriptor) []string {
	var defects []string
	for _, name := range desc.ServiceNames() {
		for _, dep := range desc.Services[name].DependsOn {
			if dep == name {
				defects = append(defects, fmt.Sprintf("service %s: depends on itself", name))
				continue
			}
			if _, ok := desc.Services[dep]; !ok {
				defects = append(defects, fmt.Sprintf("service %s: depends on undefined service %s", name, dep))
			}
		}
	}
	if cycle := findDependencyCycle(desc); len(cycle) > 0 {
		defects = append(defects, "dependency cycle: "+strings.Join(cycle, " -> "))
	}
	return defects
}

// checkSmoke verifies smoke configuration references.
func (v *ConfigValidator) checkSmoke(desc *config.Descriptor) []string {
	var defects []string
	if s := desc.Smoke.Suite; s != nil {
		if _, ok := desc.Services[s.Service]; !ok {
			defects = append(defects, fmt.Sprintf("smoke suite: undefined service %s", s.Service))
		}
	}
	if db := desc.Smoke.DatabaseService; db != "" {
		if _, ok := desc.Services[db]; !ok {
			defects = append(defects, fmt.Sprintf("smoke: undefined database_service %s", db))
		}
	}
	return defects
}

// hasBaseImage scans a build definition for a FROM instruction. ARG is
// the only instruction Dockerfile syntax permits before FROM.
func hasBaseImage(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "FROM ") || upper == "FROM" {
			return true
		}
		if strings.HasPrefix(upper, "ARG ") {
			continue
		}
		return false
	}
	return false
}

// findDependencyCycle returns one dependency cycle as a service path, or
// nil when the graph is acyclic. Depth-first with a three-color marking.
func findDependencyCycle(desc *config.Descriptor) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(desc.Services))
	var cycle []string

	var visit func(name string, path []string) bool
	visit = func(name string, path []string) bool {
		color[name] = gray
		path = append(path, name)
		for _, dep := range desc.Services[name].DependsOn {
			if _, ok := desc.Services[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				// Close the loop at the first repeated node.
				for i, n := range path {
					if n == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep, path) {
					return true
				}
			}
		}
		color[name] = black
		return false
	}

	for _, name := range desc.ServiceNames() {
		if color[name] == white {
			if visit(name, nil) {
				return cycle
			}
		}
	}
	return nil
}
