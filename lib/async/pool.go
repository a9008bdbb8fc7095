// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openquant/tradewire/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool errors.
var (
	ErrClosed    = errors.New("async: pool closed")
	ErrSaturated = errors.New("async: pool at capacity")
)

// Pool is a bounded worker pool enforcing backpressure when saturated.
// Order monitors run on it so a burst of submissions cannot spawn an
// unbounded number of watchers.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errors.New("async: workers must be > 0")
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
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task, failing fast when the queue is full.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errors.New("async: task must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return ErrSaturated
	}
}

// Close stops accepting new tasks and cancels workers.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	close(p.jobs)
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
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

func (p *Pool) worker() {
	for next := range p.jobs {
		if p.ctx.Err() != nil {
			// Closed while still queued; account for the job without running it.
			p.wg.Done()
			continue
		}
		ctx := next.ctx
		if ctx == nil {
			ctx = p.ctx
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					observability.Log().Error("async: task panicked",
						observability.F("panic", fmt.Sprintf("%v", r)))
				}
			}()
			defer p.wg.Done()
			_ = next.fn(ctx)
		}()
	}
}
