// Package encoder provides the image encoders selectable by name.
//
// Selection is a closed set: ParseKind rejects unknown names at
// configuration time and New maps each Kind to its constructor.
//
// Every encoder maps [N, C, H, W] images to [N, FeatDim] embeddings and
// exposes its parameters for optimization and its state for checkpoints.
package encoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// ErrUnknownModel is returned for an encoder name outside the registry.
var ErrUnknownModel = errors.New("encoder: unknown model")

// Kind identifies an encoder architecture.
type Kind int

// Registered encoders.
const (
	CustomCNN Kind = iota
	CustomCNNMini
	CustomCNNMiniDrop
)

var kindNames = map[Kind]string{
	CustomCNN:         "CustomCNN",
	CustomCNNMini:     "CustomCNNmini",
	CustomCNNMiniDrop: "CustomCNNminidrop",
}

// Kinds returns all registered encoders in declaration order.
func Kinds() []Kind {
	return []Kind{CustomCNN, CustomCNNMini, CustomCNNMiniDrop}
}

// String returns the registry name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind resolves a registry name. Matching is exact.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	known := make([]string, 0, len(kindNames))
	for _, k := range Kinds() {
		known = append(known, k.String())
	}
	return 0, fmt.Errorf("%w: %q (known: %s)", ErrUnknownModel, name, strings.Join(known, ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModel, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Encoder maps a batch of images to embedding vectors.
type Encoder[B tensor.Backend] interface {
	// Forward maps [N, C, H, W] images to [N, FeatDim] embeddings.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters.
	Parameters() []*nn.Parameter[B]

	// StateDict returns parameter tensors keyed by stable names.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict copies parameters from a state dictionary.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error

	// SetTraining switches between training and evaluation behaviour.
	SetTraining(training bool)

	// Kind returns the registry entry this encoder was built from.
	Kind() Kind
}

// Options tunes encoder construction.
type Options struct {
	InChannels int    // Input channels (default: 3)
	FeatDim    int    // Embedding width (default: 128)
	Seed       uint64 // Seed for stochastic layers such as dropout
}

func (o Options) withDefaults() Options {
	if o.InChannels <= 0 {
		o.InChannels = 3
	}
	if o.FeatDim <= 0 {
		o.FeatDim = 128
	}
	return o
}

// New builds the encoder registered under kind.
func New[B tensor.Backend](kind Kind, backend B, opts Options) (Encoder[B], error) {
	opts = opts.withDefaults()
	switch kind {
	case CustomCNN:
		return newCNN(kind, cnnSpec{widths: [3]int{32, 64, 128}, hidden: 256}, backend, opts), nil
	case CustomCNNMini:
		return newCNN(kind, cnnSpec{widths: [3]int{16, 32, 64}, hidden: 64}, backend, opts), nil
	case CustomCNNMiniDrop:
		return newCNN(kind, cnnSpec{widths: [3]int{16, 32, 64}, hidden: 64, dropout: 0.3}, backend, opts), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownModel, kind)
	}
}

// CountParameters returns the number of trainable scalars in enc.
func CountParameters[B tensor.Backend](enc Encoder[B]) int {
	total := 0
	for _, p := range enc.Parameters() {
		total += p.Tensor().NumElements()
	}
	return total
}
