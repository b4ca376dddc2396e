package encoder

import (
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cpuBackend = *cpu.Backend

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := ParseKind("ResNet50")
	require.ErrorIs(t, err, ErrUnknownModel)
	assert.Contains(t, err.Error(), "CustomCNNmini")

	_, err = ParseKind("customcnn")
	assert.ErrorIs(t, err, ErrUnknownModel, "matching is case sensitive")
}

func TestKindText(t *testing.T) {
	text, err := CustomCNNMiniDrop.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "CustomCNNminidrop", string(text))

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("CustomCNNmini")))
	assert.Equal(t, CustomCNNMini, k)

	assert.Error(t, k.UnmarshalText([]byte("nope")))

	_, err = Kind(42).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New[cpuBackend](Kind(42), cpu.New(), Options{})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestForwardShape(t *testing.T) {
	backend := cpu.New()
	for _, k := range Kinds() {
		t.Run(k.String(), func(t *testing.T) {
			enc, err := New[cpuBackend](k, backend, Options{FeatDim: 16})
			require.NoError(t, err)
			assert.Equal(t, k, enc.Kind())

			x := tensor.Randn[float32](tensor.Shape{2, 3, MinInputSide, MinInputSide}, backend)
			out := enc.Forward(x)
			assert.Equal(t, tensor.Shape{2, 16}, out.Shape())
			assert.Positive(t, CountParameters(enc))
		})
	}
}

func TestForwardRejectsSmallInput(t *testing.T) {
	backend := cpu.New()
	enc, err := New[cpuBackend](CustomCNNMini, backend, Options{})
	require.NoError(t, err)

	x := tensor.Zeros[float32](tensor.Shape{1, 3, 4, 4}, backend)
	assert.Panics(t, func() { enc.Forward(x) })
}

func TestStateDictRoundTrip(t *testing.T) {
	backend := cpu.New()
	src, err := New[cpuBackend](CustomCNNMini, backend, Options{FeatDim: 8})
	require.NoError(t, err)
	dst, err := New[cpuBackend](CustomCNNMini, backend, Options{FeatDim: 8})
	require.NoError(t, err)

	sd := src.StateDict()
	assert.Len(t, sd, len(src.Parameters()))
	assert.Contains(t, sd, "stem.weight")
	assert.Contains(t, sd, "fc2.bias")

	require.NoError(t, dst.LoadStateDict(sd))

	x := tensor.Randn[float32](tensor.Shape{2, 3, 8, 8}, backend)
	assert.InDeltaSlice(t, src.Forward(x).Data(), dst.Forward(x).Data(), 1e-6)
}

func TestLoadStateDictErrors(t *testing.T) {
	backend := cpu.New()
	mini, err := New[cpuBackend](CustomCNNMini, backend, Options{})
	require.NoError(t, err)
	full, err := New[cpuBackend](CustomCNN, backend, Options{})
	require.NoError(t, err)

	err = mini.LoadStateDict(full.StateDict())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape mismatch")

	sd := mini.StateDict()
	delete(sd, "fc1.weight")
	err = mini.LoadStateDict(sd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing parameter")
}

func TestDropoutOnlyWhenTraining(t *testing.T) {
	backend := cpu.New()
	enc, err := New[cpuBackend](CustomCNNMiniDrop, backend, Options{FeatDim: 8, Seed: 7})
	require.NoError(t, err)

	x := tensor.Randn[float32](tensor.Shape{4, 3, 8, 8}, backend)

	enc.SetTraining(false)
	a := enc.Forward(x).Data()
	b := enc.Forward(x).Data()
	assert.InDeltaSlice(t, a, b, 1e-6, "evaluation is deterministic")

	enc.SetTraining(true)
	c := enc.Forward(x).Data()
	d := enc.Forward(x).Data()
	assert.NotEqual(t, c, d, "training draws a fresh dropout mask")
}
