package encoder

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// MinInputSide is the smallest square input the CNN encoders accept.
const MinInputSide = 8

type cnnSpec struct {
	widths  [3]int
	hidden  int
	dropout float32
}

// cnn is a small convolutional encoder with a projection head.
//
// Architecture:
//
//	stem:  Conv 5x5/2 (C -> w0), ReLU, MaxPool 2x2
//	conv2: Conv 3x3/1 (w0 -> w1), ReLU, MaxPool 2x2
//	conv3: Conv 3x3/1 (w1 -> w2), ReLU
//	pool:  global average over H x W -> [N, w2]
//	head:  Linear (w2 -> hidden), ReLU, [Dropout], Linear (hidden -> FeatDim)
type cnn[B tensor.Backend] struct {
	kind    Kind
	spec    cnnSpec
	stem    *nn.Conv2D[B]
	conv2   *nn.Conv2D[B]
	conv3   *nn.Conv2D[B]
	pool    *nn.MaxPool2D[B]
	relu    *nn.ReLU[B]
	fc1     *nn.Linear[B]
	fc2     *nn.Linear[B]
	backend B

	training bool
	rng      *rand.Rand
}

func newCNN[B tensor.Backend](kind Kind, spec cnnSpec, backend B, opts Options) *cnn[B] {
	w := spec.widths
	return &cnn[B]{
		kind:     kind,
		spec:     spec,
		stem:     nn.NewConv2D(opts.InChannels, w[0], 5, 5, 2, 2, true, backend),
		conv2:    nn.NewConv2D(w[0], w[1], 3, 3, 1, 1, true, backend),
		conv3:    nn.NewConv2D(w[1], w[2], 3, 3, 1, 1, true, backend),
		pool:     nn.NewMaxPool2D(2, 2, backend),
		relu:     nn.NewReLU[B](),
		fc1:      nn.NewLinear(w[2], spec.hidden, backend),
		fc2:      nn.NewLinear(spec.hidden, opts.FeatDim, backend),
		backend:  backend,
		training: true,
		rng:      rand.New(rand.NewPCG(opts.Seed, 0x5eed)),
	}
}

func (m *cnn[B]) Kind() Kind {
	return m.kind
}

func (m *cnn[B]) SetTraining(training bool) {
	m.training = training
}

// Forward maps [N, C, H, W] images to [N, FeatDim] embeddings.
func (m *cnn[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("%s: expected 4D [N, C, H, W] input, got %v", m.kind, shape))
	}
	if shape[2] < MinInputSide || shape[3] < MinInputSide {
		panic(fmt.Sprintf("%s: input %dx%d is smaller than %dx%d", m.kind, shape[2], shape[3], MinInputSide, MinInputSide))
	}

	x := m.pool.Forward(m.relu.Forward(m.stem.Forward(input)))
	x = m.pool.Forward(m.relu.Forward(m.conv2.Forward(x)))
	x = m.relu.Forward(m.conv3.Forward(x))
	x = globalAvgPool(x, m.backend)

	x = m.relu.Forward(m.fc1.Forward(x))
	if m.training && m.spec.dropout > 0 {
		x = x.Mul(m.dropoutMask(x.Shape()))
	}
	return m.fc2.Forward(x)
}

// dropoutMask builds an inverted-dropout mask: kept units are scaled by
// 1/(1-p) so evaluation needs no rescaling.
func (m *cnn[B]) dropoutMask(shape tensor.Shape) *tensor.Tensor[float32, B] {
	n := 1
	for _, d := range shape {
		n *= d
	}
	keep := 1 - m.spec.dropout
	data := make([]float32, n)
	for i := range data {
		if m.rng.Float32() < keep {
			data[i] = 1 / keep
		}
	}
	mask, err := tensor.FromSlice(data, shape, m.backend)
	if err != nil {
		panic(err)
	}
	return mask
}

// globalAvgPool averages [N, C, H, W] over the spatial dimensions.
// It is expressed as a matmul against a constant column so the gradient is
// recorded by any autodiff backend.
func globalAvgPool[B tensor.Backend](x *tensor.Tensor[float32, B], backend B) *tensor.Tensor[float32, B] {
	s := x.Shape()
	n, c, hw := s[0], s[1], s[2]*s[3]
	avg := tensor.Full[float32](tensor.Shape{hw, 1}, 1/float32(hw), backend)
	return x.Reshape(n*c, hw).MatMul(avg).Reshape(n, c)
}

func (m *cnn[B]) layers() []namedLayer[B] {
	return []namedLayer[B]{
		{"stem", m.stem.Parameters()},
		{"conv2", m.conv2.Parameters()},
		{"conv3", m.conv3.Parameters()},
		{"fc1", m.fc1.Parameters()},
		{"fc2", m.fc2.Parameters()},
	}
}

func (m *cnn[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 10)
	for _, l := range m.layers() {
		params = append(params, l.params...)
	}
	return params
}

func (m *cnn[B]) StateDict() map[string]*tensor.RawTensor {
	return stateDict(m.layers())
}

func (m *cnn[B]) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	return loadStateDict(m.layers(), sd)
}

func (m *cnn[B]) String() string {
	w := m.spec.widths
	return fmt.Sprintf("%s(stem=%d, conv2=%d, conv3=%d, hidden=%d, dropout=%.2f, feat=%d)",
		m.kind, w[0], w[1], w[2], m.spec.hidden, m.spec.dropout, m.fc2.OutFeatures())
}
