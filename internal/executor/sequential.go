package executor

import (
	"log/slog"
	"sync"
)

// Sequential runs tasks one at a time on a single goroutine, in submission
// order.
type Sequential struct {
	logger *slog.Logger

	// mu protects pending and stopped
	mu      sync.Mutex
	pending []func()
	stopped bool

	notifyCh chan struct{}
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

// NewSequential starts a sequential worker.
func NewSequential(name string, logger *slog.Logger) *Sequential {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sequential{
		logger:   logger.With("component", "sequential-executor", "name", name),
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Execute queues task behind every previously queued task.
func (s *Sequential) Execute(task func()) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.pending = append(s.pending, task)
	s.mu.Unlock()

	// Notify worker, non-blocking
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued tasks that have not started.
func (s *Sequential) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop rejects new tasks, runs the already queued ones and waits for the
// worker to exit. It must not be called from a task.
func (s *Sequential) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.closeCh)
	s.wg.Wait()
}

func (s *Sequential) run() {
	defer s.wg.Done()

	drain := func() {
		for {
			s.mu.Lock()
			tasks := s.pending
			s.pending = nil
			s.mu.Unlock()

			if len(tasks) == 0 {
				return
			}
			for _, task := range tasks {
				s.runTask(task)
			}
		}
	}

	for {
		select {
		case <-s.notifyCh:
			drain()
		case <-s.closeCh:
			// One last drain for tasks queued before Stop
			drain()
			return
		}
	}
}

func (s *Sequential) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", "panic", r)
		}
	}()
	task()
}
