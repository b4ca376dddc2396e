//go:build windows

package main

import (
	"context"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/rs/zerolog"

	"github.com/born-ml/supcon/internal/config"
	"github.com/born-ml/supcon/internal/device"
)

// launch runs on the backend sel names, falling back to the CPU if the GPU
// cannot be initialized.
func launch(ctx context.Context, cfg config.Config, sel device.Selection, logger zerolog.Logger) error {
	if sel.Kind == device.GPU {
		gpu, err := webgpu.New()
		if err == nil {
			defer gpu.Release()
			return run(ctx, cfg, autodiff.New(gpu), logger)
		}
		logger.Warn().Err(err).Msg("GPU initialization failed, training on CPU")
	}
	return run(ctx, cfg, autodiff.New(cpu.New()), logger)
}
