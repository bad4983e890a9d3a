// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/tradeplane/errs"
	"github.com/coachpo/tradeplane/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool defines a bounded worker pool enforcing backpressure when saturated.
// Submissions beyond the queue depth are refused rather than blocking the caller.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	jobs    chan job
	workers sync.WaitGroup
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
// A nil ctx runs the task under the pool context, which Close cancels.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("submit context: %w", err)
		}
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

func (p *Pool) stopAccepting() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
}

// Close stops accepting new tasks and cancels the pool context.
func (p *Pool) Close() {
	p.stopAccepting()
	p.cancel()
}

// Shutdown drains queued tasks and waits for them or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopAccepting()
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for j := range p.jobs {
		ctx := j.ctx
		if ctx == nil {
			ctx = p.ctx
		}
		p.run(ctx, j.fn)
	}
}

func (p *Pool) run(ctx context.Context, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("async task panicked", observability.F("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(ctx); err != nil {
		observability.Log().Warn("async task failed", observability.Err(err))
	}
}
