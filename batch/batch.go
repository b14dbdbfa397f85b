// Package batch runs one independent job per item with bounded concurrency
// and reports an outcome for every item.
package batch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of processing one item.
type Outcome[R any] struct {
	Index  int
	Result R
	Err    error
}

// Processor processes a batch of items of type T.
type Processor[T, R any] struct {
	// Transform processes a single item. index is the item's position.
	Transform func(ctx context.Context, index int, item T) (R, error)

	maxConcurrency int
	failFast       bool
}

// Option configures a batch processor.
type Option func(*options)

type options struct {
	maxConcurrency int
	failFast       bool
}

// WithConcurrency sets the maximum concurrent workers.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.maxConcurrency = n
	}
}

// WithFailFast stops handing out new items after the first failure. Items
// never started keep ErrNotStarted as their outcome.
func WithFailFast() Option {
	return func(o *options) {
		o.failFast = true
	}
}

// ErrNotStarted is recorded for items skipped after a fail-fast stop.
var ErrNotStarted = errors.New("batch: item not started")

// NewProcessor creates a new batch processor.
func NewProcessor[T, R any](transform func(context.Context, int, T) (R, error), opts ...Option) *Processor[T, R] {
	o := &options{maxConcurrency: 10}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxConcurrency < 1 {
		o.maxConcurrency = 1
	}
	return &Processor[T, R]{
		Transform:      transform,
		maxConcurrency: o.maxConcurrency,
		failFast:       o.failFast,
	}
}

// Process transforms every item and returns outcomes in input order. Items
// share nothing but ctx; one failing item does not affect the others unless
// fail-fast is set.
func (p *Processor[T, R]) Process(ctx context.Context, items []T) []Outcome[R] {
	outcomes := make([]Outcome[R], len(items))
	for i := range outcomes {
		outcomes[i] = Outcome[R]{Index: i, Err: ErrNotStarted}
	}
	if len(items) == 0 {
		return outcomes
	}

	g, gctx := errgroup.WithContext(ctx)

	work := make(chan int, len(items))
	for i := range items {
		work <- i
	}
	close(work)

	for w := 0; w < p.maxConcurrency && w < len(items); w++ {
		g.Go(func() error {
			for idx := range work {
				if p.failFast && gctx.Err() != nil {
					continue
				}
				result, err := p.run(ctx, idx, items[idx])
				// Each worker writes only its own indexes.
				outcomes[idx] = Outcome[R]{Index: idx, Result: result, Err: err}
				if err != nil && p.failFast {
					return err
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (p *Processor[T, R]) run(ctx context.Context, idx int, item T) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item %d panicked: %v", idx, r)
		}
	}()
	return p.Transform(ctx, idx, item)
}

// Map is a shorthand for NewProcessor(fn, opts...).Process(ctx, items).
func Map[T, R any](ctx context.Context, items []T, fn func(context.Context, int, T) (R, error), opts ...Option) []Outcome[R] {
	return NewProcessor(fn, opts...).Process(ctx, items)
}

// Errors joins the failures of a batch, or returns nil when every item
// succeeded.
func Errors[R any](outcomes []Outcome[R]) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", o.Index, o.Err))
		}
	}
	return errors.Join(errs...)
}

// Succeeded counts the outcomes without an error.
func Succeeded[R any](outcomes []Outcome[R]) int {
	n := 0
	for _, o := range outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}
