package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/rs/zerolog"

	"github.com/born-ml/supcon/internal/augment"
	"github.com/born-ml/supcon/internal/checkpoint"
	"github.com/born-ml/supcon/internal/config"
	"github.com/born-ml/supcon/internal/dataset"
	"github.com/born-ml/supcon/internal/encoder"
	"github.com/born-ml/supcon/internal/loader"
	"github.com/born-ml/supcon/internal/objective"
	"github.com/born-ml/supcon/internal/optimizer"
	"github.com/born-ml/supcon/internal/tblog"
	"github.com/born-ml/supcon/internal/telemetry"
	"github.com/born-ml/supcon/internal/train"
)

// loaderSource adapts *loader.Loader to train.Source.
type loaderSource struct {
	*loader.Loader
}

func (s loaderSource) Epoch(ctx context.Context, epoch int) train.Iterator {
	return s.Loader.Epoch(ctx, epoch)
}

// classCounts returns the number of samples per label.
func classCounts(f *dataset.Folder) []int {
	counts := make([]int, len(f.Classes()))
	for i := range f.Len() {
		counts[f.Label(i)]++
	}
	return counts
}

// run wires the data pipeline, model and outputs on backend and trains.
// Output folders are created only once the dataset has been indexed.
func run[B autodiff.BackwardCapable](ctx context.Context, cfg config.Config, backend B, logger zerolog.Logger) (err error) {
	folder, err := dataset.Open(cfg.DataFolder, dataset.Options{})
	if err != nil {
		return err
	}
	aug, err := augment.New(augment.ForDataset(cfg.Dataset, cfg.Size, cfg.Mean, cfg.Std))
	if err != nil {
		return err
	}
	data, err := loader.New(folder, aug, loader.Options{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		Shuffle:    true,
	})
	if err != nil {
		return err
	}
	logger.Info().
		Str("root", folder.Root()).
		Int("samples", folder.Len()).
		Strs("classes", folder.Classes()).
		Ints("per_class", classCounts(folder)).
		Int("steps_per_epoch", data.Steps()).
		Msg("dataset indexed")

	if err := config.Prepare(cfg); err != nil {
		return err
	}

	enc, err := encoder.New(cfg.Model, backend, encoder.Options{
		InChannels: dataset.Channels,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return err
	}
	opt := optimizer.NewSGD(enc.Parameters(), optimizer.Config{
		LearningRate: cfg.LearningRate,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
	}, backend)

	events, err := tblog.NewWriter(cfg.TBFolder, tblog.Options{})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, events.Close())
	}()

	sink, err := telemetry.New(cfg.StatsdAddr, []string{
		"model:" + cfg.Model.String(),
		"method:" + cfg.Method.String(),
		"dataset:" + cfg.Dataset.String(),
		"trial:" + cfg.Trial,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, sink.Close())
	}()

	trainer, err := train.New(cfg, train.Deps[B]{
		Backend:      backend,
		Encoder:      enc,
		Loss:         objective.NewLoss(float32(cfg.Temp), backend),
		Optimizer:    opt,
		Data:         loaderSource{data},
		Scalars:      events,
		Checkpointer: checkpoint.NewManager[B](cfg.SaveFolder),
		Telemetry:    sink,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if cfg.Resume != "" {
		if _, err := trainer.Resume(cfg.Resume); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	}

	res, err := trainer.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info().
		Int("epochs", res.LastEpoch-res.FirstEpoch+1).
		Int("steps", res.Steps).
		Float64("final_loss", res.FinalLoss).
		Str("events", events.Path()).
		Msg("training finished")
	return nil
}
