// Package train drives contrastive training: epochs of paired-view steps
// with a scheduled learning rate, streaming metrics and periodic
// checkpoints.
//
// Per epoch the trainer
//
//  1. sets the optimizer rate to the schedule's epoch rate,
//  2. for every batch: overrides the rate while warming up, runs one
//     encoder pass over both views, computes the loss, back-propagates and
//     steps the optimizer, and updates the loss/time meters,
//  3. logs the epoch summary, writes the loss and learning_rate scalars at
//     step=epoch, and saves a checkpoint when one is due.
//
// After the last epoch it saves last.born with epoch = Epochs.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"
	"github.com/rs/zerolog"

	"github.com/born-ml/supcon/internal/checkpoint"
	"github.com/born-ml/supcon/internal/config"
	"github.com/born-ml/supcon/internal/encoder"
	"github.com/born-ml/supcon/internal/metrics"
	"github.com/born-ml/supcon/internal/objective"
	"github.com/born-ml/supcon/internal/pairview"
	"github.com/born-ml/supcon/internal/schedule"
)

// ErrNonFiniteLoss is returned when a step produces NaN or Inf.
var ErrNonFiniteLoss = errors.New("train: non-finite loss")

// Iterator yields the batches of one epoch and io.EOF after the last.
type Iterator interface {
	Next(ctx context.Context) (*pairview.Host, error)
	Close() error
}

// Source produces per-epoch batch iterators.
type Source interface {
	Steps() int
	Epoch(ctx context.Context, epoch int) Iterator
}

// Optimizer updates encoder parameters from autodiff gradients.
type Optimizer interface {
	checkpoint.OptimizerState
	ZeroGrad()
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)
	SetLearningRate(lr float64)
}

// ScalarLogger records per-epoch scalar series.
type ScalarLogger interface {
	LogValue(tag string, value float64, step int64) error
}

// Checkpointer persists snapshots.
type Checkpointer[B tensor.Backend] interface {
	SaveEpoch(ctx context.Context, snap checkpoint.Snapshot[B]) (string, error)
	SaveLast(ctx context.Context, snap checkpoint.Snapshot[B]) (string, error)
}

// Telemetry receives step and epoch measurements.
type Telemetry interface {
	Step(batchTime, dataTime time.Duration, loss float64)
	Epoch(epoch int, elapsed time.Duration, loss, lr float64)
	Checkpoint(kind string)
}

// Deps are the collaborators of a Trainer. Telemetry may be nil.
type Deps[B autodiff.BackwardCapable] struct {
	Backend      B
	Encoder      encoder.Encoder[B]
	Loss         *objective.Loss[B]
	Optimizer    Optimizer
	Data         Source
	Scalars      ScalarLogger
	Checkpointer Checkpointer[B]
	Telemetry    Telemetry
	Logger       zerolog.Logger
}

// Result summarizes a finished run.
type Result struct {
	FirstEpoch  int      // First epoch trained in this run
	LastEpoch   int      // Last epoch trained in this run
	Steps       int      // Optimizer steps taken
	Samples     int      // Samples seen, counting each pair once
	FinalLoss   float64  // Average loss of the last epoch
	Checkpoints []string // Paths written, in order

	History []EpochStats // One entry per trained epoch
}

// EpochStats are the meter averages of one epoch.
type EpochStats struct {
	Epoch     int
	Steps     int
	Samples   int // Total weight of the loss meter
	Loss      float64
	BatchTime float64 // Seconds per step
	DataTime  float64 // Seconds per step spent waiting for data
	Elapsed   time.Duration
}

// Trainer runs the epoch loop. It is not safe for concurrent use.
type Trainer[B autodiff.BackwardCapable] struct {
	cfg   config.Config
	deps  Deps[B]
	sched *schedule.Schedule
	log   zerolog.Logger
	now   func() time.Time

	startEpoch int
}

// New validates deps and builds the schedule from cfg.
func New[B autodiff.BackwardCapable](cfg config.Config, deps Deps[B]) (*Trainer[B], error) {
	if deps.Encoder == nil || deps.Loss == nil || deps.Optimizer == nil ||
		deps.Data == nil || deps.Scalars == nil || deps.Checkpointer == nil {
		return nil, errors.New("train: missing dependency")
	}
	sched, err := schedule.New(cfg.ScheduleParams())
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	if deps.Telemetry == nil {
		deps.Telemetry = nopTelemetry{}
	}
	return &Trainer[B]{
		cfg:        cfg,
		deps:       deps,
		sched:      sched,
		log:        deps.Logger,
		now:        time.Now,
		startEpoch: 1,
	}, nil
}

// StartEpoch returns the first epoch Run will train.
func (t *Trainer[B]) StartEpoch() int {
	return t.startEpoch
}

// Resume restores encoder and optimizer state from a checkpoint and moves
// the start to the epoch after the saved one.
func (t *Trainer[B]) Resume(path string) (*checkpoint.Restored, error) {
	restored, err := checkpoint.Load[B](path, t.deps.Backend, t.deps.Encoder, t.deps.Optimizer)
	if err != nil {
		return nil, err
	}
	t.startEpoch = restored.Epoch + 1
	t.log.Info().
		Str("path", path).
		Int("epoch", restored.Epoch).
		Float64("lr", restored.LearningRate).
		Msg("resumed from checkpoint")
	return restored, nil
}

// Run trains from StartEpoch through cfg.Epochs. Any error aborts the run;
// a cancelled context aborts between steps without writing a checkpoint.
func (t *Trainer[B]) Run(ctx context.Context) (Result, error) {
	res := Result{FirstEpoch: t.startEpoch}
	tape := t.deps.Backend.GetTape()
	tape.StartRecording()
	defer tape.StopRecording()

	sp := t.sched.Params()
	ev := t.log.Info().
		Str("model", t.cfg.Model.String()).
		Str("method", t.cfg.Method.String()).
		Float32("temp", t.deps.Loss.Temperature()).
		Int("params", encoder.CountParameters(t.deps.Encoder)).
		Int("epochs", t.cfg.Epochs).
		Int("start_epoch", t.startEpoch).
		Int("steps_per_epoch", t.deps.Data.Steps()).
		Bool("cosine", sp.Cosine)
	if sp.Warm {
		ev = ev.
			Int("warm_epochs", sp.WarmEpochs).
			Float64("warmup_from", sp.WarmupFrom).
			Float64("warmup_to", t.sched.WarmupTo())
	}
	ev.Msg("training started")

	for epoch := t.startEpoch; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		t.deps.Optimizer.SetLearningRate(t.sched.Base(epoch))

		stats, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return res, err
		}
		res.LastEpoch = epoch
		res.History = append(res.History, stats)
		res.Steps += stats.Steps
		res.Samples += stats.Samples
		res.FinalLoss = stats.Loss

		lr := t.deps.Optimizer.LearningRate()
		t.log.Info().
			Int("epoch", epoch).
			Float64("loss", stats.Loss).
			Float64("lr", lr).
			Dur("elapsed", stats.Elapsed).
			Msgf("epoch %d, total time %.2f", epoch, stats.Elapsed.Seconds())

		if err := t.deps.Scalars.LogValue("loss", stats.Loss, int64(epoch)); err != nil {
			return res, fmt.Errorf("train: log loss: %w", err)
		}
		if err := t.deps.Scalars.LogValue("learning_rate", lr, int64(epoch)); err != nil {
			return res, fmt.Errorf("train: log learning rate: %w", err)
		}
		t.deps.Telemetry.Epoch(epoch, stats.Elapsed, stats.Loss, lr)

		if checkpoint.Due(epoch, t.cfg.SaveFreq) {
			path, err := t.deps.Checkpointer.SaveEpoch(ctx, t.snapshot(epoch))
			if err != nil {
				return res, err
			}
			res.Checkpoints = append(res.Checkpoints, path)
			t.deps.Telemetry.Checkpoint("epoch")
			t.log.Info().Str("path", path).Int("epoch", epoch).Msg("checkpoint saved")
		}
	}

	path, err := t.deps.Checkpointer.SaveLast(ctx, t.snapshot(t.cfg.Epochs))
	if err != nil {
		return res, err
	}
	res.Checkpoints = append(res.Checkpoints, path)
	t.deps.Telemetry.Checkpoint("last")
	t.log.Info().Str("path", path).Msg("final checkpoint saved")
	return res, nil
}

func (t *Trainer[B]) snapshot(epoch int) checkpoint.Snapshot[B] {
	return checkpoint.Snapshot[B]{
		Model:     t.deps.Encoder,
		Optimizer: t.deps.Optimizer,
		Epoch:     epoch,
		Config:    t.cfg,
	}
}

func (t *Trainer[B]) trainEpoch(ctx context.Context, epoch int) (EpochStats, error) {
	t.deps.Encoder.SetTraining(true)

	batchTime := metrics.NewAverageMeter("BT")
	dataTime := metrics.NewAverageMeter("DT")
	losses := metrics.NewAverageMeter("loss")

	steps := t.deps.Data.Steps()
	it := t.deps.Data.Epoch(ctx, epoch)
	defer it.Close()

	start := t.now()
	end := start
	stats := EpochStats{Epoch: epoch}
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		host, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("train: epoch %d: fetch batch %d: %w", epoch, idx, err)
		}
		dataTime.Update(t.now().Sub(end).Seconds(), 1)
		bsz := host.Size()

		if lr, ok := t.sched.Warmup(epoch, idx, steps); ok {
			t.deps.Optimizer.SetLearningRate(lr)
		}

		loss, err := t.step(host)
		if err != nil {
			return stats, fmt.Errorf("train: epoch %d step %d: %w", epoch, idx+1, err)
		}
		losses.Update(loss, bsz)
		stats.Steps++

		batchTime.Update(t.now().Sub(end).Seconds(), 1)
		end = t.now()
		t.deps.Telemetry.Step(seconds(batchTime.Val()), seconds(dataTime.Val()), loss)

		if (idx+1)%t.cfg.PrintFreq == 0 {
			t.log.Info().
				Int("epoch", epoch).
				Int("step", idx+1).
				Int("steps", steps).
				Float64("loss", loss).
				Float64("lr", t.deps.Optimizer.LearningRate()).
				Msgf("Train: [%d][%d/%d]\tBT %s\tDT %s\tloss %s",
					epoch, idx+1, steps, batchTime, dataTime, losses)
		}
	}

	avg, err := losses.Avg()
	if err != nil {
		return stats, fmt.Errorf("train: epoch %d: %w", epoch, err)
	}
	stats.Loss = avg
	stats.Samples = int(losses.Count())
	stats.BatchTime, _ = batchTime.Avg()
	stats.DataTime, _ = dataTime.Avg()
	stats.Elapsed = t.now().Sub(start)
	return stats, nil
}

// step runs forward, backward and the optimizer update for one batch and
// returns the scalar loss.
func (t *Trainer[B]) step(host *pairview.Host) (float64, error) {
	tape := t.deps.Backend.GetTape()
	defer tape.Clear()

	t.deps.Optimizer.ZeroGrad()

	batch, err := pairview.FromHost(host, t.deps.Backend)
	if err != nil {
		return 0, err
	}
	emb, err := pairview.Assemble[B](batch, t.deps.Encoder)
	if err != nil {
		return 0, err
	}
	loss, err := t.deps.Loss.Compute(t.cfg.Method, emb)
	if err != nil {
		return 0, err
	}

	value := float64(loss.Item())
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNonFiniteLoss, value)
	}

	grads := autodiff.Backward(loss, t.deps.Backend)
	t.deps.Optimizer.Step(grads)
	return value, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type nopTelemetry struct{}

func (nopTelemetry) Step(time.Duration, time.Duration, float64) {}
func (nopTelemetry) Epoch(int, time.Duration, float64, float64) {}
func (nopTelemetry) Checkpoint(string) {}
