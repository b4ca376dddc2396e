package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/supcon/internal/dataset"
	"github.com/born-ml/supcon/internal/device"
	"github.com/born-ml/supcon/internal/encoder"
	"github.com/born-ml/supcon/internal/objective"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	v, err := NewViper(fs)
	require.NoError(t, err)
	return Load(v)
}

func TestDefaults(t *testing.T) {
	c, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, 10, c.PrintFreq)
	assert.Equal(t, 4, c.SaveFreq)
	assert.Equal(t, 256, c.BatchSize)
	assert.Equal(t, 16, c.NumWorkers)
	assert.Equal(t, 1000, c.Epochs)
	assert.Equal(t, 0.05, c.LearningRate)
	assert.Equal(t, []int{700, 800, 900}, c.LRDecayEpochs)
	assert.Equal(t, 0.1, c.LRDecayRate)
	assert.Equal(t, 1e-4, c.WeightDecay)
	assert.Equal(t, 0.9, c.Momentum)
	assert.Equal(t, encoder.CustomCNN, c.Model)
	assert.Equal(t, dataset.SP, c.Dataset)
	assert.Equal(t, objective.SupCon, c.Method)
	assert.Equal(t, 0.07, c.Temp)
	assert.Equal(t, device.Auto, c.Device)
	assert.False(t, c.Warm, "256 is not above the threshold")
	assert.Equal(t, DefaultDataFolder, c.DataFolder)

	assert.Equal(t, "tranSupCon_sp_CustomCNN_lr_0.05_decay_0.0001_bsz_256_temp_0.07_trial_0", c.ModelName)
	assert.Equal(t, filepath.Join("save", "newSupCon", "sp_models", c.ModelName), c.SaveFolder)
	assert.Equal(t, filepath.Join("save", "newSupCon", "sp_tensorboard", c.ModelName), c.TBFolder)
}

func TestUnknownDatasetFails(t *testing.T) {
	_, err := load(t, "--dataset=unknown")
	require.ErrorIs(t, err, ErrUnsupportedDataset)
	assert.ErrorIs(t, err, dataset.ErrUnsupported)
}

func TestUnknownModelFails(t *testing.T) {
	_, err := load(t, "--model=ResNet18")
	assert.ErrorIs(t, err, encoder.ErrUnknownModel)
}

func TestUnknownMethodFails(t *testing.T) {
	_, err := load(t, "--method=MoCo")
	assert.ErrorIs(t, err, objective.ErrUnknownMethod)
}

func TestRFRequiresStats(t *testing.T) {
	_, err := load(t, "--dataset=rf")
	require.ErrorIs(t, err, ErrMissingDatasetParams)

	_, err = load(t, "--dataset=rf", "--mean=(0.5,0.5,0.5)")
	require.ErrorIs(t, err, ErrMissingDatasetParams)

	_, err = load(t, "--dataset=rf", "--mean=(0.5,0.5,0.5)", "--std=(0.2,0.2,0.2)")
	require.ErrorIs(t, err, ErrMissingDatasetParams, "rf needs an explicit data folder")

	_, err = load(t, "--dataset=rf", "--mean=0.5,0.5", "--std=0.2,0.2", "--data_folder=/data")
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = load(t, "--dataset=rf", "--mean=0.5,0.5,0.5", "--std=0.2,0,0.2", "--data_folder=/data")
	require.ErrorIs(t, err, ErrInvalidValue)

	c, err := load(t, "--dataset=rf", "--mean=(0.4914, 0.4822, 0.4465)", "--std=[0.2,0.2,0.2]", "--data_folder=/data")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.4914, 0.4822, 0.4465}, c.Mean, 1e-6)
	assert.Equal(t, "/data", c.DataFolder)
	assert.Contains(t, c.SaveFolder, "rf_models")
}

func TestMilestones(t *testing.T) {
	tests := []struct {
		name string
		args []string
		ok   bool
	}{
		{"increasing", []string{"--epochs=10", "--lr_decay_epochs=2,4"}, true},
		{"empty", []string{"--epochs=10", "--lr_decay_epochs="}, true},
		{"beyond epochs", []string{"--epochs=10", "--lr_decay_epochs=5,11"}, false},
		{"not increasing", []string{"--epochs=10", "--lr_decay_epochs=4,4"}, false},
		{"zero", []string{"--epochs=10", "--lr_decay_epochs=0"}, false},
		{"not a number", []string{"--epochs=10", "--lr_decay_epochs=a"}, false},
		{"ignored for cosine", []string{"--epochs=10", "--lr_decay_epochs=50", "--cosine"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args...)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMilestones)
			}
		})
	}
}

func TestInvalidValues(t *testing.T) {
	for _, arg := range []string{
		"--batch_size=0",
		"--epochs=-1",
		"--print_freq=0",
		"--save_freq=0",
		"--num_workers=-2",
		"--learning_rate=0",
		"--momentum=1",
		"--weight_decay=-0.1",
		"--temp=0",
		"--lr_decay_rate=0",
	} {
		_, err := load(t, arg, "--lr_decay_epochs=")
		assert.ErrorIs(t, err, ErrInvalidValue, arg)
	}

	_, err := load(t, "--device=tpu")
	assert.ErrorIs(t, err, device.ErrUnknownPreference)
}

func TestWarmForcedForLargeBatches(t *testing.T) {
	c, err := load(t, "--batch_size=512")
	require.NoError(t, err)
	assert.True(t, c.Warm)
	assert.Equal(t, 10, c.WarmEpochs)
	assert.Equal(t, 0.01, c.WarmupFrom)
	assert.Equal(t, 0.05, c.WarmupTo)
	assert.Equal(t, "tranSupCon_sp_CustomCNN_lr_0.05_decay_0.0001_bsz_512_temp_0.07_trial_0_warm", c.ModelName)
}

func TestCosineWarmupTarget(t *testing.T) {
	c, err := load(t, "--cosine", "--warm", "--epochs=100", "--method=SimCLR", "--trial=3")
	require.NoError(t, err)

	// eta_min = 0.05·0.1³; warmup_to = eta_min + (0.05-eta_min)(1+cos(π·10/100))/2.
	assert.InDelta(t, 0.04878, c.WarmupTo, 1e-5)
	assert.Equal(t, "tranSimCLR_sp_CustomCNN_lr_0.05_decay_0.0001_bsz_256_temp_0.07_trial_3_cosine_warm", c.ModelName)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SUPCON_BATCH_SIZE", "64")
	t.Setenv("SUPCON_MODEL", "CustomCNNmini")
	c, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, 64, c.BatchSize)
	assert.Equal(t, encoder.CustomCNNMini, c.Model)

	c, err = load(t, "--batch_size=32")
	require.NoError(t, err)
	assert.Equal(t, 32, c.BatchSize, "explicit flag wins over environment")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("epochs: 20\nlr_decay_epochs: \"10,15\"\nmodel: CustomCNNminidrop\n"), 0o600))

	c, err := load(t, "--config="+path)
	require.NoError(t, err)
	assert.Equal(t, 20, c.Epochs)
	assert.Equal(t, []int{10, 15}, c.LRDecayEpochs)
	assert.Equal(t, encoder.CustomCNNMiniDrop, c.Model)
}

func TestPrepareCreatesFolders(t *testing.T) {
	root := t.TempDir()
	c, err := load(t, "--save_root="+root)
	require.NoError(t, err)

	_, err = os.Stat(c.SaveFolder)
	require.True(t, os.IsNotExist(err), "Load does not touch the filesystem")

	require.NoError(t, Prepare(c))
	for _, dir := range []string{c.SaveFolder, c.TBFolder} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "0.05", formatFloat(0.05))
	assert.Equal(t, "0.0001", formatFloat(1e-4))
	assert.Equal(t, "1e-05", formatFloat(1e-5))
	assert.Equal(t, "1.0", formatFloat(1))
	assert.Equal(t, "0.5", formatFloat(0.5))
}
