// Package loader streams shuffled two-view batches from a dataset.
//
// A dispatcher hands batch jobs to NumWorkers goroutines and queues one
// result slot per job, in order, on a channel of capacity 2·NumWorkers.
// The consumer drains the slots in order, so batches come back in the
// epoch's permutation order no matter which worker finishes first, and at
// most 2·NumWorkers batches are in flight.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/born-ml/born/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/supcon/internal/augment"
	"github.com/born-ml/supcon/internal/dataset"
	"github.com/born-ml/supcon/internal/pairview"
)

// ErrEmptyDataset is returned when the dataset has no samples.
var ErrEmptyDataset = errors.New("loader: empty dataset")

// Source is a random-access labelled image collection.
type Source interface {
	Len() int
	Get(i int) (*dataset.Image, int32, error)
}

// Options configures a Loader.
type Options struct {
	BatchSize  int
	NumWorkers int    // Decoding/augmenting goroutines (default: 1)
	Seed       uint64 // Drives shuffling and augmentation
	Shuffle    bool
}

// Loader produces one Iterator per epoch.
type Loader struct {
	src  Source
	aug  *augment.Pipeline
	opts Options
}

// New creates a loader over src.
func New(src Source, aug *augment.Pipeline, opts Options) (*Loader, error) {
	if src.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	return &Loader{src: src, aug: aug, opts: opts}, nil
}

// Len returns the number of samples per epoch.
func (l *Loader) Len() int {
	return l.src.Len()
}

// Steps returns the number of batches per epoch. The last batch may be
// smaller than BatchSize.
func (l *Loader) Steps() int {
	return (l.src.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Order returns the sample order of epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.src.Len()
	if !l.opts.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	rng := rand.New(rand.NewPCG(l.opts.Seed, uint64(epoch)))
	return rng.Perm(n)
}

type result struct {
	batch *pairview.Host
}

type job struct {
	step    int
	indices []int
	out     chan<- result
}

// Iterator yields the batches of one epoch. Call Close when done, also
// after an error or early exit.
type Iterator struct {
	cancel  context.CancelFunc
	group   *errgroup.Group
	gctx    context.Context
	pending <-chan chan result

	waitOnce sync.Once
	waitErr  error
}

// Epoch starts the workers for epoch and returns its iterator.
func (l *Loader) Epoch(ctx context.Context, epoch int) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	workers := l.opts.NumWorkers
	jobs := make(chan job)
	pending := make(chan chan result, 2*workers)

	order := l.Order(epoch)
	steps := l.Steps()

	g.Go(func() error {
		defer close(pending)
		defer close(jobs)
		for step := 0; step < steps; step++ {
			lo := step * l.opts.BatchSize
			hi := min(lo+l.opts.BatchSize, len(order))
			out := make(chan result, 1)
			select {
			case pending <- out:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- job{step: step, indices: order[lo:hi], out: out}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case j, ok := <-jobs:
					if !ok {
						return nil
					}
					batch, err := l.build(epoch, j.indices)
					if err != nil {
						return fmt.Errorf("loader: epoch %d batch %d: %w", epoch, j.step, err)
					}
					j.out <- result{batch: batch}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	return &Iterator{cancel: cancel, group: g, gctx: gctx, pending: pending}
}

// build decodes and augments the samples at indices.
func (l *Loader) build(epoch int, indices []int) (*pairview.Host, error) {
	shape := l.aug.Shape()
	vs := l.aug.ViewSize()
	b := len(indices)
	host := &pairview.Host{
		View1:  make([]float32, b*vs),
		View2:  make([]float32, b*vs),
		Shape:  tensor.Shape{b, shape[0], shape[1], shape[2]},
		Labels: make([]int32, b),
	}
	for p, idx := range indices {
		im, label, err := l.src.Get(idx)
		if err != nil {
			return nil, err
		}
		rng := augment.Rand(l.opts.Seed, epoch, idx)
		l.aug.TwoCrop(im, rng, host.View1[p*vs:(p+1)*vs], host.View2[p*vs:(p+1)*vs])
		host.Labels[p] = label
	}
	return host, nil
}

// Next blocks until the next batch is ready. It returns io.EOF after the
// last batch and the first worker error if one occurred.
func (it *Iterator) Next(ctx context.Context) (*pairview.Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var slot chan result
	select {
	case s, ok := <-it.pending:
		if !ok {
			if err := it.wait(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		slot = s
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-slot:
		return r.batch, nil
	case <-it.gctx.Done():
		if err := it.wait(); err != nil {
			return nil, err
		}
		return nil, it.gctx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers and waits for them to exit.
func (it *Iterator) Close() error {
	it.cancel()
	if err := it.wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (it *Iterator) wait() error {
	it.waitOnce.Do(func() {
		it.waitErr = it.group.Wait()
	})
	return it.waitErr
}
