// Package pairview assembles two-view batches for a single encoder pass and
// splits the resulting embeddings back into per-view halves.
//
// Both views are concatenated along the batch dimension and pushed through
// the encoder once, so normalization layers see the statistics of both
// views together. The embedding tensor [2B, D] is then split at B:
//
//	rows [0, B)  -> view 1, original sample order
//	rows [B, 2B) -> view 2, original sample order
//
// Split is the exact inverse of Concat; any reordering would pair sample i's
// view with another sample's view.
package pairview

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"
)

// ErrShapeMismatch is returned when view or embedding shapes disagree.
var ErrShapeMismatch = errors.New("pairview: shape mismatch")

// Views is the number of augmented views per sample.
const Views = 2

// Host is a two-view batch in host memory, as produced by the data loader.
//
// View1 and View2 are row-major [B, C, H, W] buffers of identical shape.
type Host struct {
	View1  []float32
	View2  []float32
	Shape  tensor.Shape // Per-view shape [B, C, H, W]
	Labels []int32      // Length B
}

// Size returns the number of samples B.
func (h *Host) Size() int {
	return len(h.Labels)
}

// Validate checks that both views match Shape and that Labels has length B.
func (h *Host) Validate() error {
	if len(h.Shape) == 0 {
		return fmt.Errorf("%w: empty view shape", ErrShapeMismatch)
	}
	n := 1
	for _, d := range h.Shape {
		n *= d
	}
	if len(h.View1) != n || len(h.View2) != n {
		return fmt.Errorf("%w: views have %d and %d elements, shape %v needs %d",
			ErrShapeMismatch, len(h.View1), len(h.View2), h.Shape, n)
	}
	if len(h.Labels) != h.Shape[0] {
		return fmt.Errorf("%w: %d labels for batch of %d", ErrShapeMismatch, len(h.Labels), h.Shape[0])
	}
	return nil
}

// Batch is a two-view batch resident on a backend.
type Batch[B tensor.Backend] struct {
	View1  *tensor.Tensor[float32, B]
	View2  *tensor.Tensor[float32, B]
	Labels []int32
}

// Size returns the number of samples B.
func (b *Batch[B]) Size() int {
	return len(b.Labels)
}

// FromHost copies a host batch onto backend.
func FromHost[B tensor.Backend](h *Host, backend B) (*Batch[B], error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	v1, err := tensor.FromSlice(h.View1, h.Shape, backend)
	if err != nil {
		return nil, fmt.Errorf("view 1: %w", err)
	}
	v2, err := tensor.FromSlice(h.View2, h.Shape, backend)
	if err != nil {
		return nil, fmt.Errorf("view 2: %w", err)
	}
	return &Batch[B]{View1: v1, View2: v2, Labels: h.Labels}, nil
}

// Concat joins two [B, ...] views into a single [2B, ...] tensor.
func Concat[B tensor.Backend](v1, v2 *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	if !v1.Shape().Equal(v2.Shape()) {
		return nil, fmt.Errorf("%w: view shapes %v and %v", ErrShapeMismatch, v1.Shape(), v2.Shape())
	}
	return tensor.Cat([]*tensor.Tensor[float32, B]{v1, v2}, 0), nil
}

// Split divides a [2B, D] embedding tensor into its view-1 and view-2
// halves, each [B, D], preserving sample order.
func Split[B tensor.Backend](features *tensor.Tensor[float32, B], b int) (f1, f2 *tensor.Tensor[float32, B], err error) {
	shape := features.Shape()
	if len(shape) < 2 || shape[0] != Views*b {
		return nil, nil, fmt.Errorf("%w: features %v cannot split into %d views of %d", ErrShapeMismatch, shape, Views, b)
	}
	parts := features.Chunk(Views, 0)
	return parts[0], parts[1], nil
}

// Pair stacks two [B, D] halves into [B, 2, D], the view dimension directly
// after the batch dimension.
func Pair[B tensor.Backend](f1, f2 *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	s1, s2 := f1.Shape(), f2.Shape()
	if len(s1) != 2 || !s1.Equal(s2) {
		return nil, fmt.Errorf("%w: cannot pair %v with %v", ErrShapeMismatch, s1, s2)
	}
	b, d := s1[0], s1[1]
	return tensor.Cat([]*tensor.Tensor[float32, B]{
		f1.Reshape(b, 1, d),
		f2.Reshape(b, 1, d),
	}, 1), nil
}

// RepeatLabels returns labels followed by labels, matching the row order of
// the flat [2B, D] embedding set.
func RepeatLabels(labels []int32) []int32 {
	out := make([]int32, 0, Views*len(labels))
	out = append(out, labels...)
	return append(out, labels...)
}

// Embeddings holds the encoder output for one two-view batch in every form
// an objective may need.
type Embeddings[B tensor.Backend] struct {
	Flat   *tensor.Tensor[float32, B] // [2B, D], view 1 rows then view 2 rows
	View1  *tensor.Tensor[float32, B] // [B, D]
	View2  *tensor.Tensor[float32, B] // [B, D]
	Paired *tensor.Tensor[float32, B] // [B, 2, D]
	Labels []int32                    // Length B
}

// FlatLabels returns labels aligned with the rows of Flat.
func (e *Embeddings[B]) FlatLabels() []int32 {
	return RepeatLabels(e.Labels)
}

// Forwarder is anything that maps a batch of inputs to embeddings.
type Forwarder[B tensor.Backend] interface {
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
}

// Assemble runs one encoder pass over both views of batch and returns the
// split and paired embeddings.
func Assemble[B tensor.Backend](batch *Batch[B], enc Forwarder[B]) (*Embeddings[B], error) {
	images, err := Concat(batch.View1, batch.View2)
	if err != nil {
		return nil, err
	}
	features := enc.Forward(images)

	f1, f2, err := Split(features, batch.Size())
	if err != nil {
		return nil, err
	}
	paired, err := Pair(f1, f2)
	if err != nil {
		return nil, err
	}
	return &Embeddings[B]{
		Flat:   features,
		View1:  f1,
		View2:  f2,
		Paired: paired,
		Labels: batch.Labels,
	}, nil
}
