// Package schedule computes learning rates for contrastive training.
//
// A Schedule is a pure function of (epoch, step, stepsPerEpoch):
//   - Base: epoch-granular rate, either step decay at milestones or
//     half-cosine annealing toward base·decay³
//   - Warmup: step-granular linear ramp over the first WarmEpochs epochs,
//     overriding Base inside its window
//
// Nothing is stored between calls, so any coordinate can be queried for
// introspection or testing.
//
// Example:
//
//	s, err := schedule.New(schedule.Params{
//	    BaseRate:   0.05,
//	    DecayRate:  0.1,
//	    Milestones: []int{700, 800, 900},
//	    Epochs:     1000,
//	})
//	lr := s.Rate(epoch, step, stepsPerEpoch)
package schedule

import (
	"errors"
	"fmt"
	"math"
)

// Warmup defaults used when warmup is enabled without explicit values.
const (
	DefaultWarmEpochs = 10
	DefaultWarmupFrom = 0.01
)

// ErrInvalidParams is returned by New for inconsistent parameters.
var ErrInvalidParams = errors.New("schedule: invalid parameters")

// Params configures a Schedule.
type Params struct {
	BaseRate   float64 // Rate at epoch 1 (before warmup)
	DecayRate  float64 // Multiplicative factor per milestone; cosine floor is BaseRate·DecayRate³
	Milestones []int   // Epochs at which step decay applies (ignored when Cosine)
	Epochs     int     // Total epoch count
	Cosine     bool    // Half-cosine annealing instead of step decay
	Warm       bool    // Enable linear warmup
	WarmEpochs int     // Warmup window length in epochs (default: 10)
	WarmupFrom float64 // Rate at the first warmup step (default: 0.01)
}

// Schedule is an immutable learning-rate policy.
type Schedule struct {
	p        Params
	etaMin   float64
	warmupTo float64
}

// New validates p and precomputes the warmup target.
//
// When Cosine is set, the warmup target is the cosine value at the end of
// the warmup window so the ramp joins the annealing curve continuously.
// Otherwise it is BaseRate.
func New(p Params) (*Schedule, error) {
	if p.Epochs <= 0 {
		return nil, fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalidParams, p.Epochs)
	}
	if p.BaseRate < 0 || p.DecayRate < 0 {
		return nil, fmt.Errorf("%w: rates must be non-negative (base=%g, decay=%g)",
			ErrInvalidParams, p.BaseRate, p.DecayRate)
	}
	if p.Warm {
		if p.WarmEpochs <= 0 {
			p.WarmEpochs = DefaultWarmEpochs
		}
		if p.WarmupFrom == 0 {
			p.WarmupFrom = DefaultWarmupFrom
		}
	}
	p.Milestones = append([]int(nil), p.Milestones...)

	s := &Schedule{p: p}
	s.etaMin = p.BaseRate * math.Pow(p.DecayRate, 3)
	if p.Warm {
		if p.Cosine {
			s.warmupTo = s.cosine(p.WarmEpochs)
		} else {
			s.warmupTo = p.BaseRate
		}
	}
	return s, nil
}

// Params returns a copy of the parameters, with warmup defaults applied.
func (s *Schedule) Params() Params {
	p := s.p
	p.Milestones = append([]int(nil), s.p.Milestones...)
	return p
}

// WarmupFrom returns the rate at the first warmup step.
func (s *Schedule) WarmupFrom() float64 {
	return s.p.WarmupFrom
}

// WarmupTo returns the precomputed rate at the end of the warmup window.
func (s *Schedule) WarmupTo() float64 {
	return s.warmupTo
}

// Base returns the epoch-granular rate for a 1-indexed epoch.
//
// Step decay is right-continuous: for milestones {2, 4} and decay 0.1,
// epochs 1, 2, 4, 5 give base, base·0.1, base·0.01, base·0.01.
func (s *Schedule) Base(epoch int) float64 {
	if s.p.Cosine {
		return s.cosine(epoch)
	}
	k := 0
	for _, m := range s.p.Milestones {
		if epoch >= m {
			k++
		}
	}
	return s.p.BaseRate * math.Pow(s.p.DecayRate, float64(k))
}

func (s *Schedule) cosine(epoch int) float64 {
	return s.etaMin + (s.p.BaseRate-s.etaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.p.Epochs)))/2
}

// InWarmup reports whether epoch lies inside the warmup window.
func (s *Schedule) InWarmup(epoch int) bool {
	return s.p.Warm && epoch >= 1 && epoch <= s.p.WarmEpochs
}

// Warmup returns the warmup rate at (epoch, step) and true, or false when
// the coordinate is outside the window.
//
// Progress is measured in steps across the whole window:
//
//	p = (step + (epoch-1)·stepsPerEpoch) / (WarmEpochs·stepsPerEpoch)
//	rate = from + p·(to - from)
func (s *Schedule) Warmup(epoch, step, stepsPerEpoch int) (float64, bool) {
	if !s.InWarmup(epoch) || stepsPerEpoch <= 0 {
		return 0, false
	}
	elapsed := float64(step + (epoch-1)*stepsPerEpoch)
	total := float64(s.p.WarmEpochs * stepsPerEpoch)
	p := elapsed / total
	return s.p.WarmupFrom + p*(s.warmupTo-s.p.WarmupFrom), true
}

// Rate returns the instantaneous rate: the warmup value inside the warmup
// window, Base(epoch) otherwise.
func (s *Schedule) Rate(epoch, step, stepsPerEpoch int) float64 {
	if lr, ok := s.Warmup(epoch, step, stepsPerEpoch); ok {
		return lr
	}
	return s.Base(epoch)
}
