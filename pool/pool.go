// Package pool is a bounded worker pool for fanning out backend I/O.
//
// A pool of size zero is synchronous: every operation runs inline on the
// calling goroutine. A positive size starts that many long-lived workers.
//
// Pools are reference counted. New returns a pool holding one reference,
// Acquire adds one and Release drops one; the last Release waits for any
// work still in flight and stops the workers.
package pool

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
)

// Pool runs functions on a fixed set of worker goroutines.
type Pool struct {
	size  int
	tasks chan func()

	workers  sync.WaitGroup
	inflight sync.WaitGroup
	refs     atomic.Int32
}

// New starts a pool with size workers. Sizes below one select synchronous
// mode.
func New(size int) *Pool {
	if size < 0 {
		size = 0
	}
	p := &Pool{size: size}
	p.refs.Store(1)
	if size > 0 {
		p.tasks = make(chan func())
		p.workers.Add(size)
		for i := 0; i < size; i++ {
			go p.worker()
		}
	}
	return p
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for fn := range p.tasks {
		fn()
	}
}

// Size is the number of workers, zero in synchronous mode.
func (p *Pool) Size() int {
	return p.size
}

// Synchronous reports whether work runs inline.
func (p *Pool) Synchronous() bool {
	return p.size == 0
}

// Acquire adds a reference to p and returns it.
func (p *Pool) Acquire() *Pool {
	if p.refs.Add(1) <= 1 {
		panic("pool: Acquire after final Release")
	}
	return p
}

// Release drops a reference. The last one blocks until queued work has
// finished and then stops the workers.
func (p *Pool) Release() {
	n := p.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("pool: Release called more often than Acquire")
	}
	p.inflight.Wait()
	if p.tasks != nil {
		close(p.tasks)
		p.workers.Wait()
	}
}

// enqueue hands n functions produced by next to the workers. It must be
// called while the caller holds a reference; the inflight count is raised
// before returning so that a later Release waits for all of them.
func (p *Pool) enqueue(n int, next func(i int) func(), block bool) {
	p.inflight.Add(n)
	feed := func() {
		for i := 0; i < n; i++ {
			fn := next(i)
			p.tasks <- func() {
				defer p.inflight.Done()
				fn()
			}
		}
	}
	if block {
		feed()
		return
	}
	go feed()
}

// Run calls fn for every index in [0, n) and waits for all of them. It
// returns the error of the lowest failing index. In synchronous mode it
// stops at the first error. Run must not be called from inside a pool task.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}
	if p.Synchronous() {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	p.enqueue(n, func(i int) func() {
		return func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			errs[i] = fn(ctx, i)
		}
	}, true)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Map applies fn to every item in parallel and returns the results in input
// order. It blocks until all calls have returned.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	out := make([]R, len(items))
	err := p.Run(ctx, len(items), func(ctx context.Context, i int) error {
		r, err := fn(ctx, items[i])
		if err != nil {
			return err
		}
		out[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LazyMap applies fn to every item and yields the results in input order.
//
// With workers, everything is submitted before LazyMap returns and results
// are yielded as they become available. In synchronous mode each item is
// computed when the iteration reaches it. Iteration ends after the first
// error. The sequence can be ranged over once.
func LazyMap[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) iter.Seq2[R, error] {
	var used atomic.Bool
	start := func() {
		if used.Swap(true) {
			panic("pool: LazyMap sequence ranged over twice")
		}
	}

	if p.Synchronous() {
		return func(yield func(R, error) bool) {
			start()
			for _, item := range items {
				r, err := fn(ctx, item)
				if !yield(r, err) || err != nil {
					return
				}
			}
		}
	}

	type result struct {
		r   R
		err error
	}
	results := make([]chan result, len(items))
	for i := range results {
		results[i] = make(chan result, 1)
	}
	p.enqueue(len(items), func(i int) func() {
		return func() {
			r, err := fn(ctx, items[i])
			results[i] <- result{r: r, err: err}
		}
	}, false)

	return func(yield func(R, error) bool) {
		start()
		for _, ch := range results {
			res := <-ch
			if !yield(res.r, res.err) || res.err != nil {
				return
			}
		}
	}
}

// Batch is a set of functions scheduled with Schedule.
type Batch struct {
	mu       sync.Mutex
	n        int
	received int
	done     chan completion
	errs     []error
	drained  bool
	err      error
}

type completion struct {
	err    error
	notify func()
}

// Schedule submits fn for every item and returns without waiting. Items
// complete in any order. When cb is non-nil it is called for each item, in
// completion order, by the goroutine that drains the batch.
//
// In synchronous mode the items run inline before Schedule returns and the
// first failure stops the rest; the batch then holds the work that ran.
func Schedule[T any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) error, cb func(T, error)) *Batch {
	run := func(item T) completion {
		err := fn(ctx, item)
		c := completion{err: err}
		if cb != nil {
			c.notify = func() { cb(item, err) }
		}
		return c
	}

	b := &Batch{n: len(items), done: make(chan completion, len(items))}
	if p.Synchronous() {
		for i, item := range items {
			c := run(item)
			b.done <- c
			if c.err != nil {
				b.n = i + 1
				break
			}
		}
		return b
	}

	p.enqueue(len(items), func(i int) func() {
		return func() { b.done <- run(items[i]) }
	}, false)
	return b
}

// Len is the number of items in the batch.
func (b *Batch) Len() int {
	return b.n
}

// Done reports whether every item has finished, without blocking.
func (b *Batch) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drained || b.received+len(b.done) == b.n
}

// Drained reports whether Drain has completed.
func (b *Batch) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drained
}

// Drain waits for the batch, runs the callbacks and returns the joined
// errors of every failed item. Once it has completed, later calls return
// the same error without running callbacks again. If ctx ends first, Drain
// returns ctx.Err() and the batch stays undrained.
func (b *Batch) Drain(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drained {
		return b.err
	}
	for b.received < b.n {
		select {
		case c := <-b.done:
			b.received++
			if c.notify != nil {
				c.notify()
			}
			if c.err != nil {
				b.errs = append(b.errs, c.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.drained = true
	b.err = errors.Join(b.errs...)
	return b.err
}
