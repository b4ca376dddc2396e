package encoder

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

type namedLayer[B tensor.Backend] struct {
	name   string
	params []*nn.Parameter[B]
}

// paramKey names a parameter "<layer>.<param>", falling back to the
// parameter's index within the layer when it is unnamed.
func paramKey[B tensor.Backend](layer string, i int, p *nn.Parameter[B]) string {
	if p.Name() == "" {
		return fmt.Sprintf("%s.%d", layer, i)
	}
	return layer + "." + p.Name()
}

func stateDict[B tensor.Backend](layers []namedLayer[B]) map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for _, l := range layers {
		for i, p := range l.params {
			sd[paramKey(l.name, i, p)] = p.Tensor().Raw()
		}
	}
	return sd
}

func loadStateDict[B tensor.Backend](layers []namedLayer[B], sd map[string]*tensor.RawTensor) error {
	for _, l := range layers {
		for i, p := range l.params {
			key := paramKey(l.name, i, p)
			raw, ok := sd[key]
			if !ok {
				return fmt.Errorf("missing parameter %q", key)
			}
			dst := p.Tensor().Raw()
			if !raw.Shape().Equal(dst.Shape()) {
				return fmt.Errorf("parameter %q: shape mismatch: expected %v, got %v", key, dst.Shape(), raw.Shape())
			}
			copy(dst.AsFloat32(), raw.AsFloat32())
		}
	}
	return nil
}
