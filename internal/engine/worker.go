package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/avandra/agora/pkg/schema"
)

// ErrPoolClosed is returned by Submit after Shutdown was called.
var ErrPoolClosed = schema.NewError(schema.ErrCodeConflict, "worker pool is shut down")

// PoolMetrics holds cumulative counters for a worker pool.
type PoolMetrics struct {
	Submitted int64
	Completed int64
	Failed    int64
	Active    int64
}

// WorkerPool bounds the number of step executions running concurrently.
// Submit blocks until a slot is free or the context is cancelled.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64
}

// NewWorkerPool creates a pool with the given concurrency limit.
// A size of zero or less falls back to 1.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Submit runs fn on the pool, blocking until a worker slot is available.
// The returned channel delivers fn's error exactly once.
func (p *WorkerPool) Submit(ctx context.Context, fn func(context.Context) error) (<-chan error, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		return nil, ctx.Err()
	}

	p.submitted.Add(1)
	p.active.Add(1)
	result := make(chan error, 1)
	go func() {
		defer func() {
			p.active.Add(-1)
			<-p.sem
			p.wg.Done()
		}()
		err := fn(ctx)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		result <- err
	}()
	return result, nil
}

// Wait blocks until all submitted work has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects further submissions and waits for in-flight work.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Active:    p.active.Load(),
	}
}
