package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Inline    int64 `json:"inline"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many parallel branches execute at once across all
// runs of an engine.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	inline    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Batch is a group of jobs whose completion is awaited together.
type Batch struct {
	pool *WorkerPool
	ctx  context.Context
	wg   sync.WaitGroup
}

// Batch starts a new job group bound to ctx.
func (p *WorkerPool) Batch(ctx context.Context) *Batch {
	return &Batch{pool: p, ctx: ctx}
}

// Go runs fn on a pooled goroutine when a slot is free and inline on the
// calling goroutine otherwise. A branch that starts a child run which itself
// forks can therefore never wait on a slot held by its own ancestor.
func (b *Batch) Go(fn func(ctx context.Context)) error {
	p := b.pool
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}

	select {
	case p.sem <- struct{}{}:
	default:
		p.mu.Unlock()
		p.inline.Add(1)
		p.run(b.ctx, fn)
		return nil
	}
	p.wg.Add(1)
	b.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			p.active.Add(-1)
			<-p.sem
			b.wg.Done()
			p.wg.Done()
		}()
		p.run(b.ctx, fn)
	}()
	return nil
}

// Wait blocks until every job of the batch has returned.
func (b *Batch) Wait() {
	b.wg.Wait()
}

// run executes fn and converts a panic into a counted, swallowed failure.
// Callers that need the panic value wrap fn themselves.
func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
		}
	}()
	fn(ctx)
	p.completed.Add(1)
}

// Shutdown rejects new work and waits for running jobs.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Inline:    p.inline.Load(),
		Panics:    p.panics.Load(),
	}
}

// recoverAs turns a panic inside a branch into an error stored at dst.
func recoverAs(dst *error) {
	if r := recover(); r != nil {
		*dst = fmt.Errorf("branch panicked: %v", r)
	}
}
