// Package optimizer wraps Born's SGD with L2 weight decay and an explicit
// learning-rate setter driven by the schedule.
//
// Update rule per parameter p with gradient g:
//
//	g' = g + weightDecay·p
//	v  = momentum·v + g'
//	p  = p − lr·v
package optimizer

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
)

// Kind names the optimizer type recorded in checkpoints.
const Kind = "SGD"

// Config holds SGD hyperparameters.
type Config struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
}

// SGD is stochastic gradient descent with momentum and weight decay.
type SGD[B tensor.Backend] struct {
	inner       *optim.SGD[B]
	params      []*nn.Parameter[B]
	weightDecay float32
	momentum    float32
}

// NewSGD creates an optimizer over params.
func NewSGD[B tensor.Backend](params []*nn.Parameter[B], cfg Config, backend B) *SGD[B] {
	if cfg.LearningRate <= 0 {
		panic(fmt.Sprintf("optimizer: learning rate must be positive, got %v", cfg.LearningRate))
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		panic(fmt.Sprintf("optimizer: momentum must be in [0, 1), got %v", cfg.Momentum))
	}
	if cfg.WeightDecay < 0 {
		panic(fmt.Sprintf("optimizer: weight decay must be non-negative, got %v", cfg.WeightDecay))
	}
	return &SGD[B]{
		inner: optim.NewSGD(params, optim.SGDConfig{
			LR:       float32(cfg.LearningRate),
			Momentum: float32(cfg.Momentum),
		}, backend),
		params:      params,
		weightDecay: float32(cfg.WeightDecay),
		momentum:    float32(cfg.Momentum),
	}
}

// Kind returns the optimizer type name.
func (o *SGD[B]) Kind() string {
	return Kind
}

// SetLearningRate sets the rate used by subsequent steps.
func (o *SGD[B]) SetLearningRate(lr float64) {
	o.inner.SetLR(float32(lr))
}

// LearningRate returns the current rate.
func (o *SGD[B]) LearningRate() float64 {
	return float64(o.inner.GetLR())
}

// ZeroGrad clears parameter gradients.
func (o *SGD[B]) ZeroGrad() {
	o.inner.ZeroGrad()
}

// Step applies one update from the gradients returned by autodiff.Backward.
// Parameters without a gradient are left untouched.
func (o *SGD[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	if o.weightDecay == 0 {
		o.inner.Step(grads)
		return
	}

	decayed := make(map[*tensor.RawTensor]*tensor.RawTensor, len(o.params))
	for _, p := range o.params {
		key := p.Tensor().Raw()
		g, ok := grads[key]
		if !ok || g == nil {
			continue
		}
		decayed[key] = o.withDecay(g, key)
	}
	o.inner.Step(decayed)
}

// withDecay returns a fresh gradient g + wd·p. The input gradient is not
// modified since the tape may still reference it.
func (o *SGD[B]) withDecay(grad, param *tensor.RawTensor) *tensor.RawTensor {
	out, err := tensor.NewRaw(grad.Shape(), tensor.Float32, grad.Device())
	if err != nil {
		panic(fmt.Sprintf("optimizer: allocate gradient: %v", err))
	}
	dst := out.AsFloat32()
	g := grad.AsFloat32()
	p := param.AsFloat32()
	for i := range dst {
		dst[i] = g[i] + o.weightDecay*p[i]
	}
	return out
}

// StateDict returns the momentum buffers keyed "velocity.<param index>".
func (o *SGD[B]) StateDict() map[string]*tensor.RawTensor {
	return o.inner.StateDict()
}

// LoadStateDict restores momentum buffers saved by StateDict.
func (o *SGD[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := o.inner.LoadStateDict(state); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	return nil
}
