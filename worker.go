package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PeriodicWorker runs a function at a fixed interval and handles graceful shutdown.
type PeriodicWorker struct {
	name     string
	interval time.Duration
	logger   *zap.Logger
	workFunc func(ctx context.Context) error

	runMu    sync.Mutex
	mu       sync.RWMutex
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewPeriodicWorker creates a new ticker-driven worker.
func NewPeriodicWorker(name string, interval time.Duration, logger *zap.Logger, workFunc func(ctx context.Context) error) *PeriodicWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeriodicWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		workFunc: workFunc,
		stopChan: make(chan struct{}),
	}
}

// Start begins the worker's execution loop.
// It blocks until the worker is stopped via the context or a call to Stop().
func (w *PeriodicWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("name", w.name))
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Debug("Worker starting", zap.String("name", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Debug("Worker finished", zap.String("name", w.name))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			// Stop may race with the tick; prefer stopping.
			select {
			case <-w.stopChan:
				return
			default:
			}
			w.run(ctx)
		}
	}
}

// run executes workFunc once under runMu, so that Stop() can wait for it to complete.
func (w *PeriodicWorker) run(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := w.workFunc(ctx); err != nil {
		w.logger.Error("Worker function failed", zap.String("name", w.name), zap.Error(err))
	}
}

// Stop shuts the worker down and waits for any in-progress run to complete.
// A worker stopped before Start returns from Start immediately.
// It is safe to call Stop multiple times.
func (w *PeriodicWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.runMu.Lock()
		w.runMu.Unlock()
	})
}

// Name returns the name of the worker.
func (w *PeriodicWorker) Name() string {
	return w.name
}
