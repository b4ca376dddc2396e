// Package checkpoint persists and restores training snapshots.
//
// A snapshot is one .born file holding the encoder parameters, the
// optimizer buffers (prefixed "optimizer.") and header metadata with the
// epoch, the serialized configuration, the optimizer type and its current
// learning rate.
//
// Writes are atomic: the file is written to a temporary sibling, synced,
// and renamed over the target. A failed save never damages an earlier
// checkpoint.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// ModelType is the header model type of every snapshot file.
const ModelType = "SupConCheckpoint"

// Ext is the snapshot file extension.
const Ext = ".born"

const optimizerPrefix = "optimizer."

// Metadata keys.
const (
	metaEpoch         = "epoch"
	metaConfig        = "config"
	metaOptimizerType = "optimizer_type"
	metaLearningRate  = "learning_rate"
	metaCreatedAt     = "created_at"
)

var (
	// ErrNotCheckpoint is returned when loading a .born file that was not
	// written by this package.
	ErrNotCheckpoint = errors.New("checkpoint: not a training checkpoint")

	// ErrCorrupt is returned when checkpoint metadata cannot be parsed.
	ErrCorrupt = errors.New("checkpoint: corrupt metadata")
)

// OptimizerState is the part of an optimizer a checkpoint captures.
type OptimizerState interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(state map[string]*tensor.RawTensor) error
	Kind() string
	LearningRate() float64
}

// Snapshot is the training state written at one epoch boundary.
type Snapshot[B tensor.Backend] struct {
	Model     nn.Module[B]
	Optimizer OptimizerState
	Epoch     int
	Config    any // Serialized as JSON into the header
}

// Restored describes a loaded checkpoint. Model and optimizer state are
// applied in place by Load.
type Restored struct {
	Path          string
	Epoch         int
	Config        json.RawMessage
	OptimizerType string
	LearningRate  float64
	CreatedAt     time.Time
}

// Due reports whether a periodic checkpoint is due after epoch.
func Due(epoch, saveFreq int) bool {
	return saveFreq > 0 && epoch > 0 && epoch%saveFreq == 0
}

// Manager writes snapshots into one directory.
type Manager[B tensor.Backend] struct {
	dir string
	now func() time.Time
}

// NewManager creates a manager for dir. The directory must exist.
func NewManager[B tensor.Backend](dir string) *Manager[B] {
	return &Manager[B]{dir: dir, now: time.Now}
}

// Dir returns the checkpoint directory.
func (m *Manager[B]) Dir() string {
	return m.dir
}

// EpochPath returns the path of the periodic checkpoint for epoch.
func (m *Manager[B]) EpochPath(epoch int) string {
	return filepath.Join(m.dir, fmt.Sprintf("ckpt_epoch_%d%s", epoch, Ext))
}

// LastPath returns the path of the final checkpoint.
func (m *Manager[B]) LastPath() string {
	return filepath.Join(m.dir, "last"+Ext)
}

// SaveEpoch writes the periodic checkpoint for snap.Epoch.
func (m *Manager[B]) SaveEpoch(ctx context.Context, snap Snapshot[B]) (string, error) {
	path := m.EpochPath(snap.Epoch)
	return path, m.Save(ctx, snap, path)
}

// SaveLast writes the final checkpoint.
func (m *Manager[B]) SaveLast(ctx context.Context, snap Snapshot[B]) (string, error) {
	path := m.LastPath()
	return path, m.Save(ctx, snap, path)
}

// Save atomically writes snap to path.
func (m *Manager[B]) Save(ctx context.Context, snap Snapshot[B], path string) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", path, err)
	}
	if snap.Model == nil || snap.Optimizer == nil {
		return fmt.Errorf("checkpoint: save %s: snapshot needs both model and optimizer", path)
	}

	cfg, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("checkpoint: encode config: %w", err)
	}
	meta := map[string]string{
		metaEpoch:         strconv.Itoa(snap.Epoch),
		metaConfig:        string(cfg),
		metaOptimizerType: snap.Optimizer.Kind(),
		metaLearningRate:  strconv.FormatFloat(snap.Optimizer.LearningRate(), 'g', -1, 64),
		metaCreatedAt:     m.now().UTC().Format(time.RFC3339Nano),
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	state := &stateModule[B]{model: snap.Model, optimizer: snap.Optimizer}
	if err := nn.Save[B](state, tmpPath, ModelType, meta); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	if err := syncFile(tmpPath); err != nil {
		return fmt.Errorf("checkpoint: sync %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("checkpoint: rename into %s: %w", path, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("checkpoint: sync dir %s: %w", dir, err)
	}
	return nil
}

// Load restores model and optimizer state from path and returns the
// snapshot metadata. The model and optimizer must be built with the same
// architecture and hyperparameters as the ones saved.
func Load[B tensor.Backend](path string, backend B, model nn.Module[B], optimizer OptimizerState) (*Restored, error) {
	state := &stateModule[B]{model: model, optimizer: optimizer, deferLoad: true}
	header, err := nn.Load[B](path, backend, state)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", path, err)
	}
	if header.ModelType != ModelType {
		return nil, fmt.Errorf("%w: %s has model type %q", ErrNotCheckpoint, path, header.ModelType)
	}

	restored, err := parseMetadata(header.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	restored.Path = path

	if err := state.apply(); err != nil {
		return nil, fmt.Errorf("checkpoint: restore %s: %w", path, err)
	}
	return restored, nil
}

func parseMetadata(meta map[string]string) (*Restored, error) {
	epoch, err := strconv.Atoi(meta[metaEpoch])
	if err != nil {
		return nil, fmt.Errorf("%w: epoch: %w", ErrCorrupt, err)
	}
	lr, err := strconv.ParseFloat(meta[metaLearningRate], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: learning rate: %w", ErrCorrupt, err)
	}
	created, err := time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("%w: created_at: %w", ErrCorrupt, err)
	}
	cfg := meta[metaConfig]
	if !json.Valid([]byte(cfg)) {
		return nil, fmt.Errorf("%w: config is not valid JSON", ErrCorrupt)
	}
	return &Restored{
		Epoch:         epoch,
		Config:        json.RawMessage(cfg),
		OptimizerType: meta[metaOptimizerType],
		LearningRate:  lr,
		CreatedAt:     created,
	}, nil
}

// stateModule presents model and optimizer state as one nn.Module so the
// pair can go through nn.Save and nn.Load as a single state dictionary.
type stateModule[B tensor.Backend] struct {
	model     nn.Module[B]
	optimizer OptimizerState

	// With deferLoad set, LoadStateDict only stages the dictionary and
	// apply installs it after the header has been checked.
	deferLoad bool
	staged    map[string]*tensor.RawTensor
}

func (s *stateModule[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return s.model.Forward(input)
}

func (s *stateModule[B]) Parameters() []*nn.Parameter[B] {
	return s.model.Parameters()
}

func (s *stateModule[B]) StateDict() map[string]*tensor.RawTensor {
	combined := make(map[string]*tensor.RawTensor)
	for name, raw := range s.model.StateDict() {
		combined[name] = raw
	}
	for name, raw := range s.optimizer.StateDict() {
		combined[optimizerPrefix+name] = raw
	}
	return combined
}

func (s *stateModule[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	s.staged = stateDict
	if s.deferLoad {
		return nil
	}
	return s.apply()
}

func (s *stateModule[B]) apply() error {
	modelState := make(map[string]*tensor.RawTensor)
	optimizerState := make(map[string]*tensor.RawTensor)
	for name, raw := range s.staged {
		if rest, ok := strings.CutPrefix(name, optimizerPrefix); ok {
			optimizerState[rest] = raw
			continue
		}
		modelState[name] = raw
	}
	if err := s.model.LoadStateDict(modelState); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := s.optimizer.LoadStateDict(optimizerState); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes the directory entry of a rename. Windows cannot open
// directories for syncing, so it is a no-op there.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
