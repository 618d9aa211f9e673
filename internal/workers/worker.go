// Package workers holds the three periodic loops that move pipelines through
// their lifecycle: launch (admit IDLE jobs), run (reconcile active runners),
// and report (apply completion reports). Each runs as a background goroutine
// inside the daemon.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gcbio/ccdaemon/internal/metrics"
)

// worker is the shared loop machinery. A tick error stops the worker and is
// held for the supervisor's Check call.
type worker struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context) error
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newWorker(name string, interval time.Duration, log *slog.Logger, tick func(ctx context.Context) error) *worker {
	return &worker{
		name:     name,
		interval: interval,
		tick:     tick,
		log:      log.With("worker", name),
	}
}

// Start begins the background loop goroutine.
func (w *worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		// Tick before the first sleep so work left over from a previous
		// process is discovered at startup, not one interval later.
		for {
			if ctx.Err() != nil {
				return
			}
			if err := w.tick(ctx); err != nil {
				w.log.Error("worker stopped on error", "error", err)
				metrics.WorkerErrors.WithLabelValues(w.name).Inc()
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
				return
			}
			metrics.WorkerTicks.WithLabelValues(w.name).Inc()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the loop and waits for it to finish. Safe to call more than
// once and before Start.
func (w *worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// Check returns the error that stopped the worker, if any. The supervisor
// polls this; a non-nil return unwinds the daemon into shutdown.
func (w *worker) Check() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return fmt.Errorf("%s worker failed: %w", w.name, w.err)
	}
	return nil
}

// Alive reports whether the loop goroutine is still running.
func (w *worker) Alive() bool {
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}
