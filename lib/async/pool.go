// Package async runs background work on fixed-size worker pools with a
// bounded queue, so producers get backpressure instead of unbounded
// goroutine growth.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/observability"
)

// Component is the error source identifier for this package.
const Component = "lib/async"

// Task is one unit of background work.
type Task func(context.Context) error

// Pool executes tasks on a fixed number of workers. Submit never blocks:
// a full queue is reported to the caller, who decides whether to retry,
// drop, or shed load.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	pending chan pendingTask
	wg      sync.WaitGroup
	closed  sync.Once
}

type pendingTask struct {
	ctx context.Context
	run Task
}

// NewPool starts workers goroutines draining a queue of the given depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("workers must be positive"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		pending: make(chan pendingTask, queue),
	}
	for i := 0; i < workers; i++ {
		go p.drain()
	}
	return p, nil
}

// Submit enqueues one task. A closed pool or a full queue returns an
// unavailable error immediately.
func (p *Pool) Submit(ctx context.Context, run Task) error {
	if run == nil {
		return errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New(Component, errs.CodeUnavailable,
			errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.pending <- pendingTask{ctx: ctx, run: run}:
		return nil
	default:
		p.wg.Done()
		observability.Telemetry().IncCounter("async.pool_saturated", 1, nil)
		return errs.New(Component, errs.CodeUnavailable,
			errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting tasks and cancels the workers' base context.
func (p *Pool) Close() {
	p.closed.Do(func() {
		p.cancel()
		close(p.pending)
	})
}

// Shutdown closes the pool and waits for in-flight tasks until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) drain() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.pending:
			if !ok {
				return
			}
			p.execute(task)
			p.wg.Done()
		}
	}
}

// execute runs one task, containing panics and surfacing failures through
// the logger so a bad task never takes a worker down with it.
func (p *Pool) execute(task pendingTask) {
	ctx := task.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("pool task panicked",
				observability.String("panic", fmt.Sprint(r)))
			observability.Telemetry().IncCounter("async.task_panics", 1, nil)
		}
	}()
	if err := task.run(ctx); err != nil {
		observability.Log().Warn("pool task failed", observability.Err(err))
	}
}
