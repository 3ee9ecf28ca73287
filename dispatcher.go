package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrDispatcherRunning is returned by Start when the dispatcher is already running.
var ErrDispatcherRunning = errors.New("dispatcher already running")

type shutdownHook struct {
	name string
	fn   func() error
}

// Dispatcher runs the relay's workers side by side and, once every worker has
// returned, runs the registered shutdown hooks in order.
type Dispatcher struct {
	logger  *zap.Logger
	workers []Worker
	hooks   []shutdownHook

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	stopped  chan struct{}

	hooksOnce sync.Once
	hooksErr  error
}

// NewDispatcher creates a dispatcher for the given workers.
func NewDispatcher(logger *zap.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:  logger,
		workers: workers,
		stopped: make(chan struct{}),
	}
}

// OnShutdown registers fn to run after all workers have stopped.
// Hooks run once, in registration order, even when an earlier hook fails.
func (d *Dispatcher) OnShutdown(name string, fn func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, shutdownHook{name: name, fn: fn})
}

// Start runs every worker and blocks until ctx is cancelled or Stop is called.
// It returns the joined errors of the shutdown hooks.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrDispatcherRunning
	}
	select {
	case <-d.stopped:
		d.mu.Unlock()
		d.logger.Debug("Dispatcher stopped before start, running shutdown hooks only")
		return d.shutdown()
	default:
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			d.logger.Debug("Worker running", zap.String("worker_name", w.Name()))
			w.Start(ctx)
			d.logger.Debug("Worker returned", zap.String("worker_name", w.Name()))
		}(w)
	}
	d.logger.Info("Relay workers running", zap.Int("worker_count", len(d.workers)))

	select {
	case <-ctx.Done():
		d.logger.Info("Shutdown requested", zap.String("cause", "context"))
		d.Stop()
	case <-d.stopped:
		d.logger.Info("Shutdown requested", zap.String("cause", "stop"))
	}

	wg.Wait()
	return d.shutdown()
}

func (d *Dispatcher) shutdown() error {
	d.hooksOnce.Do(func() {
		d.mu.Lock()
		hooks := append([]shutdownHook(nil), d.hooks...)
		d.mu.Unlock()

		var errs []error
		for _, h := range hooks {
			d.logger.Debug("Running shutdown hook", zap.String("hook", h.name))
			if err := h.fn(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		}
		d.hooksErr = errors.Join(errs...)
	})
	return d.hooksErr
}

// Stop asks every worker to stop. It is safe to call Stop multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		for _, w := range d.workers {
			w.Stop()
		}
	})
}

// IsStarted reports whether Start is currently running the workers.
func (d *Dispatcher) IsStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
