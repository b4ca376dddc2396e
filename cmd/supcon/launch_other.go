//go:build !windows

package main

import (
	"context"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/rs/zerolog"

	"github.com/born-ml/supcon/internal/config"
	"github.com/born-ml/supcon/internal/device"
)

// launch runs on the CPU backend. The GPU backend is windows-only, so
// device.Select never reports one here.
func launch(ctx context.Context, cfg config.Config, _ device.Selection, logger zerolog.Logger) error {
	return run(ctx, cfg, autodiff.New(cpu.New()), logger)
}
