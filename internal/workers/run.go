package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gcbio/ccdaemon/internal/domain"
	"github.com/gcbio/ccdaemon/internal/metrics"
	"github.com/gcbio/ccdaemon/internal/postgres"
	"github.com/gcbio/ccdaemon/internal/queue"
)

// RunStore is the slice of the analysis store the run worker needs.
type RunStore interface {
	Get(ctx context.Context, id int64) (domain.Analysis, error)
	UpdateStatus(ctx context.Context, id int64, status domain.Status) error
	Retire(ctx context.Context, id int64, runTimeHours float64, et domain.ErrorType, extra string) error
}

// ActiveRunner is the full runner surface the run worker reconciles: the
// queue view plus cancellation, timing, and the captured error.
type ActiveRunner interface {
	queue.Runner
	Cancel(ctx context.Context)
	EndTime() time.Time
	Error() (domain.ErrorType, string)
	MaxRunTime() float64
}

// RunWorker reconciles every enqueued runner against the database each tick:
// it propagates live statuses out, picks up operator cancels, enforces the
// runtime cap, and retires finished runners.
type RunWorker struct {
	*worker
	store RunStore
	queue *queue.PipelineQueue
	log   *slog.Logger
}

// NewRunWorker wires the run loop.
func NewRunWorker(store RunStore, q *queue.PipelineQueue, interval time.Duration, log *slog.Logger) *RunWorker {
	w := &RunWorker{store: store, queue: q, log: log}
	w.worker = newWorker("run", interval, log, w.tick)
	return w
}

func (w *RunWorker) tick(ctx context.Context) error {
	for _, qr := range w.queue.Snapshot() {
		if ctx.Err() != nil {
			return nil
		}
		r, ok := qr.(ActiveRunner)
		if !ok {
			// Only full runners are ever enqueued; anything else is a bug.
			w.log.Error("queue entry is not a runner", "pipeline_id", qr.ID())
			w.queue.Remove(qr.ID())
			continue
		}
		if err := w.reconcile(ctx, r); err != nil {
			return err
		}
	}

	curr, loading, _, _ := w.queue.Usage()
	metrics.QueueCPUs.Set(float64(curr))
	metrics.QueueLoading.Set(float64(loading))
	metrics.QueuePipelines.Set(float64(len(w.queue.Snapshot())))
	return nil
}

// reconcile handles one runner, committing its DB changes before returning.
func (w *RunWorker) reconcile(ctx context.Context, r ActiveRunner) error {
	a, err := w.store.Get(ctx, r.ID())
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			w.log.Error("runner has no database row, cancelling", "pipeline_id", r.ID())
			r.Cancel(ctx)
			return nil
		}
		return err
	}

	curr := r.Status()
	switch curr {
	case domain.StatusReady, domain.StatusLoading, domain.StatusRunning:
		if a.Status == domain.StatusCancelling {
			w.log.Info("operator cancel requested", "pipeline_id", r.ID())
			r.Cancel(ctx)
		} else if a.Status != curr {
			if err := w.store.UpdateStatus(ctx, r.ID(), curr); err != nil {
				return err
			}
		}
		// The start time is stamped by the runner goroutine; it can still be
		// zero right after launch.
		if max, start := r.MaxRunTime(), r.StartTime(); max > 0 && !start.IsZero() {
			if elapsed := queue.HoursElapsed(start, time.Now()); elapsed > max {
				w.log.Warn("runtime cap exceeded, cancelling",
					"pipeline_id", r.ID(), "elapsed_hours", elapsed, "max_hours", max)
				r.Cancel(ctx)
			}
		}

	case domain.StatusFinished:
		return w.retire(ctx, r)
	}
	return nil
}

// retire writes the provisional terminal row for a finished runner and
// removes it from the queue. A NONE outcome becomes the REPORT placeholder:
// success is only confirmed when the completion report lands.
func (w *RunWorker) retire(ctx context.Context, r ActiveRunner) error {
	runTime := queue.HoursElapsed(r.StartTime(), r.EndTime())
	errType, errMsg := r.Error()

	var retireErr error
	switch errType {
	case domain.ErrNone:
		retireErr = w.store.Retire(ctx, r.ID(), runTime, domain.ErrReport, "")
	case domain.ErrCancel:
		retireErr = w.store.Retire(ctx, r.ID(), runTime, domain.ErrCancel, "")
	default:
		retireErr = w.store.Retire(ctx, r.ID(), runTime, errType, errMsg)
	}
	if retireErr != nil {
		return retireErr
	}

	w.queue.Remove(r.ID())
	metrics.PipelinesRetired.WithLabelValues(string(errType)).Inc()
	w.log.Info("pipeline retired", "pipeline_id", r.ID(), "run_time_hours", runTime, "error_type", errType)
	return nil
}
