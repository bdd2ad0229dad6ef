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
	"path/filepath"
	"time"

	"github.com/l9labs/deploygate/cmd/deploygate/internal/config"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/infra/engine"
	"github.com/l9labs/deploygate/cmd/deploygate/internal/util"
	"github.com/l9labs/deploygate/pkg/logging"
)

// BuiltImage records one successful build.
type BuiltImage struct {
	Service  string
	Image    string
	Duration time.Duration
}

// ImageBuilder builds every buildable service's image for a release tag.
//
// # Description
//
// Builds run strictly before the old stack is touched, sequentially and
// fail-fast: the first failing build stops the rest, since a half-built
// stack cannot start anyway. Each new image gets a fresh tag, so a failed
// build never replaces the known-good image a rollback may still need.
//
// Build output streams into a bounded line tail; on failure the last
// lines are attached to the BuildError instead of the full log.
type ImageBuilder struct {
	eng       engine.Engine
	desc      *config.Descriptor
	root      string
	tailLines int
	timeout   time.Duration
	log       *logging.Logger
	printer   *Printer
}

// NewImageBuilder creates a builder for the descriptor's services.
func NewImageBuilder(cfg *config.Pipeline, desc *config.Descriptor, eng engine.Engine, log *logging.Logger, printer *Printer) *ImageBuilder {
	return &ImageBuilder{
		eng:       eng,
		desc:      desc,
		root:      cfg.DeployRoot,
		tailLines: cfg.LogTailLines,
		timeout:   enforceMinTimeout(cfg.Timeouts.Build, MinBuildTimeout),
		log:       log,
		printer:   printer,
	}
}

// Build builds images for all buildable services under the release tag.
//
// # Inputs
//
//   - ctx: cancellation; each build additionally gets the build timeout
//   - tag: the release tag applied to every built image
//
// # Outputs
//
//   - []BuiltImage: the images built before any failure
//   - error: a *BuildError for the first failing service
func (b *ImageBuilder) Build(ctx context.Context, tag string) ([]BuiltImage, error) {
	var built []BuiltImage
	for _, name := range b.desc.ServiceNames() {
		svc := b.desc.Services[name]
		if svc.Build.Context == "" {
			continue
		}

		image := b.desc.ImageOf(svc, tag)
		b.printer.Info("building %s", image)
		b.log.Info("building image", "service", name, "image", image)

		tail := util.NewLineTail(b.tailLines)
		buildCtx, cancel := context.WithTimeout(ctx, b.timeout)
		res, err := b.eng.BuildImage(buildCtx, engine.BuildSpec{
			Image:      image,
			ContextDir: filepath.Join(b.root, svc.Build.Context),
			Dockerfile: svc.Build.Dockerfile,
			Output:     tail,
		})
		cancel()

		if err != nil {
			exitCode := -1
			if res != nil {
				exitCode = res.ExitCode
			}
			b.log.Error("build failed", "service", name, "image", image, "exit_code", exitCode)
			return built, &BuildError{
				Service:  name,
				Image:    image,
				ExitCode: exitCode,
				LogTail:  tail.Lines(),
				Err:      err,
			}
		}

		built = append(built, BuiltImage{Service: name, Image: image, Duration: res.Duration})
		b.printer.OK("built %s (%s)", image, res.Duration.Round(time.Millisecond))
		b.log.Info("image built", "service", name, "image", image, "duration", res.Duration)
	}

	if len(built) == 0 {
		b.log.Info("no buildable services, all images pinned")
	}
	return built, nil
}

// VerifyImages checks that every service's image for the tag resolves in
// the local store. Used by --skip-build to fail before stopping the old
// stack instead of after.
func (b *ImageBuilder) VerifyImages(ctx context.Context, tag string) error {
	for _, name := range b.desc.ServiceNames() {
		svc := b.desc.Services[name]
		if svc.Build.Context == "" {
			continue
		}
		image := b.desc.ImageOf(svc, tag)
		ok, err := b.eng.ImageExists(ctx, image)
		if err != nil {
			return fmt.Errorf("failed to check image %s: %w", image, err)
		}
		if !ok {
			return &BuildError{
				Service: name,
				Image:   image,
				Err:     fmt.Errorf("image %s not found locally; run without skipping builds", image),
			}
		}
	}
	return nil
}
