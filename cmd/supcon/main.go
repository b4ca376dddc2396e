// Command supcon trains an image encoder with a supervised (SupCon) or
// self-supervised (SimCLR) contrastive objective.
//
// Usage:
//
//	supcon --dataset rf --data_folder ./datasets/flowers \
//	    --mean "(0.5,0.5,0.5)" --std "(0.25,0.25,0.25)" \
//	    --model CustomCNNmini --batch_size 128 --epochs 200 --cosine
//
// Every flag can also be set through a SUPCON_<FLAG> environment variable
// or a --config file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/born-ml/supcon/internal/config"
	"github.com/born-ml/supcon/internal/device"
)

const version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "supcon: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "supcon",
		Short:         "Train an image encoder with a contrastive objective",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		v, err := config.NewViper(cmd.Flags())
		if err != nil {
			return err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}

		logger, err := newLogger(cmd, cfg.LogLevel)
		if err != nil {
			return err
		}
		sel := device.Select(cfg.Device, logger)
		logger.Info().
			Str("device", sel.Kind.String()).
			Str("model_name", cfg.ModelName).
			Str("save_folder", cfg.SaveFolder).
			Str("tb_folder", cfg.TBFolder).
			Msg("configuration loaded")

		return launch(cmd.Context(), cfg, sel, logger)
	}
	return cmd
}

func newLogger(cmd *cobra.Command, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("config: invalid log level %q: %w", level, err)
	}
	out := zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.DateTime}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
