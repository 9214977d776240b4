package localstorage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/appsearch/internal/core/storage"
	"github.com/syntrixbase/appsearch/internal/metrics"
)

// maintenanceWorker periodically asks the store whether a compaction is
// due, so stores that stopped receiving mutations still get optimized once
// the configured interval elapses. It only compacts: document deletions,
// the expiry sweep included, stay on the session writers.
type maintenanceWorker struct {
	store    storage.Store
	interval time.Duration
	logger   *slog.Logger
	metrics  metrics.Metrics

	mu          sync.RWMutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastRunTime time.Time
}

func newMaintenanceWorker(store storage.Store, interval time.Duration, logger *slog.Logger, m metrics.Metrics) *maintenanceWorker {
	return &maintenanceWorker{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "maintenance-worker"),
		metrics:  m,
	}
}

// Start starts the worker. A non-positive interval leaves it idle.
func (w *maintenanceWorker) Start(ctx context.Context) {
	if w.interval <= 0 {
		return
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.runLoop(workerCtx)

	w.logger.Info("Maintenance worker started", "interval", w.interval)
}

// Stop stops the worker and waits for an in-flight check to finish.
func (w *maintenanceWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Maintenance worker stopped")
}

func (w *maintenanceWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *maintenanceWorker) check(ctx context.Context) {
	w.mu.Lock()
	w.lastRunTime = time.Now()
	w.mu.Unlock()

	err := w.store.CompactIfDue(ctx)
	w.metrics.IncOptimizeCheck(err)
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("Periodic compaction failed", "error", err)
	}
}

// LastRunTime returns the time of the last check.
func (w *maintenanceWorker) LastRunTime() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastRunTime
}

// IsRunning returns whether the worker is running.
func (w *maintenanceWorker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
