package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/supcon/internal/encoder"
	"github.com/born-ml/supcon/internal/optimizer"
)

type cpuBackend = *cpu.Backend

type testConfig struct {
	Model  string  `json:"model"`
	Epochs int     `json:"epochs"`
	LR     float64 `json:"lr"`
}

var optCfg = optimizer.Config{LearningRate: 0.05, Momentum: 0.9, WeightDecay: 1e-4}

func newState(t *testing.T, seed uint64) (encoder.Encoder[cpuBackend], *optimizer.SGD[cpuBackend]) {
	t.Helper()
	backend := cpu.New()
	enc, err := encoder.New[cpuBackend](encoder.CustomCNNMini, backend, encoder.Options{FeatDim: 8, Seed: seed})
	require.NoError(t, err)
	return enc, optimizer.NewSGD(enc.Parameters(), optCfg, backend)
}

// step applies one synthetic update so momentum buffers exist.
func step(t *testing.T, enc encoder.Encoder[cpuBackend], opt *optimizer.SGD[cpuBackend], value float32) {
	t.Helper()
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor)
	for _, p := range enc.Parameters() {
		g := tensor.Full[float32](p.Tensor().Shape(), value, cpu.New())
		grads[p.Tensor().Raw()] = g.Raw()
	}
	opt.Step(grads)
}

func paramData(enc encoder.Encoder[cpuBackend]) [][]float32 {
	out := make([][]float32, 0)
	for _, p := range enc.Parameters() {
		out = append(out, append([]float32(nil), p.Tensor().Data()...))
	}
	return out
}

func TestPaths(t *testing.T) {
	m := NewManager[cpuBackend]("/ckpt")
	assert.Equal(t, filepath.Join("/ckpt", "ckpt_epoch_12.born"), m.EpochPath(12))
	assert.Equal(t, filepath.Join("/ckpt", "last.born"), m.LastPath())
	assert.Equal(t, "/ckpt", m.Dir())
}

func TestDue(t *testing.T) {
	tests := []struct {
		epoch, freq int
		want        bool
	}{
		{4, 4, true},
		{8, 4, true},
		{5, 4, false},
		{1, 1, true},
		{3, 0, false},
		{0, 4, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Due(tt.epoch, tt.freq), "epoch %d freq %d", tt.epoch, tt.freq)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager[cpuBackend](dir)
	m.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	enc, opt := newState(t, 1)
	step(t, enc, opt, 0.5)
	opt.SetLearningRate(0.0123)

	cfg := testConfig{Model: "CustomCNNmini", Epochs: 10, LR: 0.05}
	path, err := m.SaveEpoch(context.Background(), Snapshot[cpuBackend]{Model: enc, Optimizer: opt, Epoch: 4, Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, m.EpochPath(4), path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")

	enc2, opt2 := newState(t, 2)
	restored, err := Load[cpuBackend](path, cpu.New(), enc2, opt2)
	require.NoError(t, err)

	assert.Equal(t, 4, restored.Epoch)
	assert.Equal(t, "SGD", restored.OptimizerType)
	assert.InDelta(t, 0.0123, restored.LearningRate, 1e-9)
	assert.Equal(t, path, restored.Path)
	assert.True(t, restored.CreatedAt.Equal(m.now()))

	var gotCfg testConfig
	require.NoError(t, json.Unmarshal(restored.Config, &gotCfg))
	assert.Equal(t, cfg, gotCfg)

	assert.Equal(t, paramData(enc), paramData(enc2))

	// Momentum restored: the next identical step keeps both in lockstep.
	step(t, enc, opt, -0.25)
	step(t, enc2, opt2, -0.25)
	want, got := paramData(enc), paramData(enc2)
	for i := range want {
		assert.InDeltaSlice(t, want[i], got[i], 1e-6)
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	m := NewManager[cpuBackend](dir)
	enc, opt := newState(t, 1)

	_, err := m.SaveLast(context.Background(), Snapshot[cpuBackend]{Model: enc, Optimizer: opt, Epoch: 1, Config: map[string]int{}})
	require.NoError(t, err)
	_, err = m.SaveLast(context.Background(), Snapshot[cpuBackend]{Model: enc, Optimizer: opt, Epoch: 2, Config: map[string]int{}})
	require.NoError(t, err)

	enc2, opt2 := newState(t, 2)
	restored, err := Load[cpuBackend](m.LastPath(), cpu.New(), enc2, opt2)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Epoch)
}

func TestFailedSaveKeepsEarlierCheckpoint(t *testing.T) {
	dir := t.TempDir()
	m := NewManager[cpuBackend](dir)
	enc, opt := newState(t, 1)

	_, err := m.SaveLast(context.Background(), Snapshot[cpuBackend]{Model: enc, Optimizer: opt, Epoch: 3, Config: nil})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.SaveLast(ctx, Snapshot[cpuBackend]{Model: enc, Optimizer: opt, Epoch: 4, Config: nil})
	require.ErrorIs(t, err, context.Canceled)

	_, err = m.SaveLast(context.Background(), Snapshot[cpuBackend]{Model: enc, Optimizer: opt, Epoch: 5, Config: func() {}})
	require.Error(t, err, "unencodable config")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	enc2, opt2 := newState(t, 2)
	restored, err := Load[cpuBackend](m.LastPath(), cpu.New(), enc2, opt2)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Epoch)
}

func TestSaveMissingDirectory(t *testing.T) {
	m := NewManager[cpuBackend](filepath.Join(t.TempDir(), "missing"))
	enc, opt := newState(t, 1)
	_, err := m.SaveLast(context.Background(), Snapshot[cpuBackend]{Model: enc, Optimizer: opt, Epoch: 1})
	assert.Error(t, err)
}

func TestLoadRejectsPlainModelFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linear.born")
	backend := cpu.New()
	require.NoError(t, nn.Save[cpuBackend](nn.NewLinear(2, 2, backend), path, "Linear", nil))

	enc, opt := newState(t, 1)
	before := paramData(enc)
	_, err := Load[cpuBackend](path, backend, enc, opt)
	require.ErrorIs(t, err, ErrNotCheckpoint)
	assert.Equal(t, before, paramData(enc), "model untouched")
}

func TestLoadMissingFile(t *testing.T) {
	enc, opt := newState(t, 1)
	_, err := Load[cpuBackend](filepath.Join(t.TempDir(), "nope.born"), cpu.New(), enc, opt)
	assert.Error(t, err)
}

func TestParseMetadataCorrupt(t *testing.T) {
	_, err := parseMetadata(map[string]string{metaEpoch: "x"})
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = parseMetadata(map[string]string{
		metaEpoch:        "1",
		metaLearningRate: "0.1",
		metaCreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		metaConfig:       "{",
	})
	assert.ErrorIs(t, err, ErrCorrupt)
}
