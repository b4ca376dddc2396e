// Package metrics implements streaming scalar accumulators used by the
// training loop for loss and timing statistics.
package metrics

import (
	"errors"
	"fmt"
)

// ErrEmpty is returned when an average is requested before any update.
var ErrEmpty = errors.New("metrics: no observations recorded")

// AverageMeter tracks the most recent value and the weighted running mean
// of a scalar series.
//
// Accumulation is commutative: for updates (v1, w1) .. (vk, wk) in any
// order, Avg returns Σ(vi·wi) / Σwi.
//
// Example:
//
//	losses := metrics.NewAverageMeter("loss")
//	losses.Update(0.71, 256) // batch mean weighted by batch size
//	avg, err := losses.Avg()
type AverageMeter struct {
	name  string
	val   float64
	sum   float64
	count int64
}

// NewAverageMeter creates an empty meter.
func NewAverageMeter(name string) *AverageMeter {
	return &AverageMeter{name: name}
}

// Name returns the series name.
func (m *AverageMeter) Name() string {
	return m.name
}

// Update records value with the given weight.
//
// Panics if weight is not positive.
func (m *AverageMeter) Update(value float64, weight int) {
	if weight <= 0 {
		panic(fmt.Sprintf("metrics: %s: weight must be positive, got %d", m.name, weight))
	}
	m.val = value
	m.sum += value * float64(weight)
	m.count += int64(weight)
}

// Val returns the most recently recorded value.
func (m *AverageMeter) Val() float64 {
	return m.val
}

// Sum returns the weighted sum of all recorded values.
func (m *AverageMeter) Sum() float64 {
	return m.sum
}

// Count returns the total recorded weight.
func (m *AverageMeter) Count() int64 {
	return m.count
}

// Avg returns the weighted mean, or ErrEmpty before the first update.
func (m *AverageMeter) Avg() (float64, error) {
	if m.count == 0 {
		return 0, fmt.Errorf("%s: %w", m.name, ErrEmpty)
	}
	return m.sum / float64(m.count), nil
}

// Reset clears all recorded state.
func (m *AverageMeter) Reset() {
	m.val = 0
	m.sum = 0
	m.count = 0
}

// String formats the meter as "val (avg)" for progress lines.
func (m *AverageMeter) String() string {
	avg, err := m.Avg()
	if err != nil {
		return "- (-)"
	}
	return fmt.Sprintf("%.3f (%.3f)", m.val, avg)
}
