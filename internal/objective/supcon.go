// Package objective implements the supervised contrastive loss (SupCon) and
// its self-supervised special case (SimCLR) on Born tensors.
//
// Every operation is one the autodiff backend records (MatMul, Mul, Add,
// Rsqrt, Softmax, Log, Reshape, Chunk, Cat), so the returned loss can be
// passed straight to autodiff.Backward.
//
// For N = views·B anchors with L2-normalized embeddings z and positive set
// P(i) (same label, or same sample for SimCLR, excluding i itself):
//
//	loss = -(T/T0) · 1/N · Σ_i 1/|P(i)| · Σ_{p∈P(i)} log softmax_{k≠i}(z_i·z_k/T)_p
//
// with T the temperature and T0 = BaseTemperature.
package objective

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/supcon/internal/pairview"
)

// BaseTemperature is the reference temperature the loss is scaled against.
const BaseTemperature = 0.07

const (
	normEps  = 1e-12
	logEps   = 1e-30
	maskedLg = -1e9
)

// ErrInvalidInput is returned when embeddings and labels do not line up.
var ErrInvalidInput = errors.New("objective: invalid input")

// Loss computes the contrastive loss for paired embeddings.
type Loss[B tensor.Backend] struct {
	temperature     float32
	baseTemperature float32
	backend         B
}

// NewLoss creates a contrastive loss with the given temperature.
func NewLoss[B tensor.Backend](temperature float32, backend B) *Loss[B] {
	if temperature <= 0 {
		panic(fmt.Sprintf("objective: temperature must be positive, got %v", temperature))
	}
	return &Loss[B]{
		temperature:     temperature,
		baseTemperature: BaseTemperature,
		backend:         backend,
	}
}

// Temperature returns the softmax temperature.
func (l *Loss[B]) Temperature() float32 {
	return l.temperature
}

// Compute dispatches on method: SupCon passes the batch labels, SimCLR
// passes none.
func (l *Loss[B]) Compute(method Method, emb *pairview.Embeddings[B]) (*tensor.Tensor[float32, B], error) {
	if method != SupCon && method != SimCLR {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMethod, method)
	}
	var labels []int32
	if method.UsesLabels() {
		labels = emb.Labels
	}
	return l.Forward(emb.Paired, labels)
}

// Forward computes the loss for features of shape [B, views, D].
//
// With labels == nil every sample is its own class (SimCLR). Otherwise
// labels must have length B. Returns a [1, 1] tensor.
func (l *Loss[B]) Forward(features *tensor.Tensor[float32, B], labels []int32) (*tensor.Tensor[float32, B], error) {
	shape := features.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: expected [B, views, D] features, got %v", ErrInvalidInput, shape)
	}
	b, views, d := shape[0], shape[1], shape[2]
	if b == 0 || views < 2 {
		return nil, fmt.Errorf("%w: need at least one sample and two views, got %v", ErrInvalidInput, shape)
	}
	if labels != nil && len(labels) != b {
		return nil, fmt.Errorf("%w: %d labels for batch of %d", ErrInvalidInput, len(labels), b)
	}
	n := views * b

	flat := l.unbind(features, b, views, d)
	z := l.normalize(flat, n, d)

	// Similarities scaled by 1/T, self-similarity pushed out of the softmax.
	logits := z.MatMul(z.T()).
		Mul(tensor.Full[float32](tensor.Shape{n, n}, 1/l.temperature, l.backend)).
		Add(l.selfMask(n))

	logProb := logits.Softmax(1).
		Add(tensor.Full[float32](tensor.Shape{n, n}, logEps, l.backend)).
		Log()

	weights, err := l.positiveWeights(labels, b, views)
	if err != nil {
		return nil, err
	}

	rowsOne := tensor.Ones[float32](tensor.Shape{n, 1}, l.backend)
	colsOne := tensor.Ones[float32](tensor.Shape{1, n}, l.backend)
	return colsOne.MatMul(logProb.Mul(weights).MatMul(rowsOne)), nil
}

// unbind turns [B, views, D] into [views·B, D]: all first views, then all
// second views.
func (l *Loss[B]) unbind(features *tensor.Tensor[float32, B], b, views, d int) *tensor.Tensor[float32, B] {
	parts := features.Chunk(views, 1)
	for i, p := range parts {
		parts[i] = p.Reshape(b, d)
	}
	return tensor.Cat(parts, 0)
}

// normalize scales each row to unit L2 norm.
func (l *Loss[B]) normalize(x *tensor.Tensor[float32, B], n, d int) *tensor.Tensor[float32, B] {
	sumSq := x.Mul(x).MatMul(tensor.Ones[float32](tensor.Shape{d, 1}, l.backend))
	inv := sumSq.Add(tensor.Full[float32](tensor.Shape{n, 1}, normEps, l.backend)).Rsqrt()
	return x.Mul(inv.MatMul(tensor.Ones[float32](tensor.Shape{1, d}, l.backend)))
}

func (l *Loss[B]) selfMask(n int) *tensor.Tensor[float32, B] {
	data := make([]float32, n*n)
	for i := 0; i < n; i++ {
		data[i*n+i] = maskedLg
	}
	return l.constant(data, n, n)
}

// positiveWeights returns the [N, N] constant that folds the positive mask,
// the 1/|P(i)| row normalization and the -(T/T0)/N scale into one tensor.
func (l *Loss[B]) positiveWeights(labels []int32, b, views int) (*tensor.Tensor[float32, B], error) {
	n := views * b
	same := func(i, j int) bool {
		if labels == nil {
			return i%b == j%b
		}
		return labels[i%b] == labels[j%b]
	}

	scale := -(l.temperature / l.baseTemperature) / float32(n)
	data := make([]float32, n*n)
	for i := 0; i < n; i++ {
		count := 0
		for j := 0; j < n; j++ {
			if j != i && same(i, j) {
				count++
			}
		}
		if count == 0 {
			return nil, fmt.Errorf("%w: anchor %d has no positives", ErrInvalidInput, i)
		}
		w := scale / float32(count)
		for j := 0; j < n; j++ {
			if j != i && same(i, j) {
				data[i*n+j] = w
			}
		}
	}
	return l.constant(data, n, n), nil
}

func (l *Loss[B]) constant(data []float32, rows, cols int) *tensor.Tensor[float32, B] {
	t, err := tensor.FromSlice(data, tensor.Shape{rows, cols}, l.backend)
	if err != nil {
		panic(fmt.Sprintf("objective: %v", err))
	}
	return t
}
