package executor

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs tasks concurrently with at most size tasks in flight.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	logger *slog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool; size <= 0 uses GOMAXPROCS.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger.With("component", "read-pool"),
	}
}

// Size returns the maximum parallelism.
func (p *Pool) Size() int {
	return p.size
}

// Execute starts task as soon as a slot is free.
func (p *Pool) Execute(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Background context: Acquire only fails on cancellation.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Task panicked", "panic", r)
			}
		}()
		task()
	}()
	return nil
}

// Stop rejects new tasks and waits for the running ones.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()
}
