// Package runner drives a single pipeline through its lifecycle on a platform
// driver. One runner goroutine exists per active pipeline; the launch worker
// creates it, the run worker reconciles and retires it.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gcbio/ccdaemon/internal/domain"
	"github.com/gcbio/ccdaemon/internal/platform"
)

// launchCancelWait bounds how long a cancelled launch waits for the VM
// handle to appear before giving up on stopping it.
const launchCancelWait = 500 * time.Second

// Runner executes one pipeline. All status and error fields are guarded by
// the single mutex; platform calls happen outside it so status reads never
// block on the cloud.
type Runner struct {
	id         int64
	name       string
	cpus       int
	memGB      int
	diskGB     int
	maxRunTime float64 // hours

	driver   platform.Driver
	configs  platform.ConfigBundle
	commitID string
	log      *slog.Logger

	mu         sync.Mutex
	status     domain.Status
	errType    domain.ErrorType
	errMsg     string
	createTime time.Time
	startTime  time.Time
	endTime    time.Time
}

// New builds a runner in the READY state for the given analysis. The driver
// is owned by the runner from this point on.
func New(a domain.Analysis, driver platform.Driver, configs platform.ConfigBundle, log *slog.Logger) *Runner {
	commit := ""
	if a.GitCommit != nil {
		commit = *a.GitCommit
	}
	return &Runner{
		id:         a.ID,
		name:       a.Name,
		cpus:       a.Type.CPUs,
		memGB:      a.Type.MemGB,
		diskGB:     a.Type.DiskGB,
		maxRunTime: a.Type.MaxRunTime,
		driver:     driver,
		configs:    configs,
		commitID:   commit,
		log:        log.With("pipeline_id", a.ID, "pipeline", a.Name),
		status:     domain.StatusReady,
		errType:    domain.ErrNone,
		createTime: time.Now(),
	}
}

func (r *Runner) ID() int64            { return r.id }
func (r *Runner) Name() string         { return r.name }
func (r *Runner) CPUs() int            { return r.cpus }
func (r *Runner) MemGB() int           { return r.memGB }
func (r *Runner) DiskGB() int          { return r.diskGB }
func (r *Runner) MaxRunTime() float64  { return r.maxRunTime }

// Driver exposes the platform handle for the shutdown fallback path.
func (r *Runner) Driver() platform.Driver { return r.driver }

// Status returns the current lifecycle status.
func (r *Runner) Status() domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StartTime returns when the execution body began, or the zero time.
func (r *Runner) StartTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startTime
}

// EndTime returns when the execution body finished, or the zero time.
func (r *Runner) EndTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endTime
}

// Error returns the captured error classification and message.
func (r *Runner) Error() (domain.ErrorType, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errType, r.errMsg
}

// Start launches the execution body in its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
}

// run is the single-shot execution body. Every exit path funnels through
// finalize, so the VM is destroyed exactly once regardless of outcome.
func (r *Runner) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.endTime = time.Now()
		r.mu.Unlock()
		r.finalize(ctx)
	}()

	r.mu.Lock()
	r.startTime = time.Now()
	if r.status == domain.StatusCancelling {
		r.mu.Unlock()
		return
	}
	r.status = domain.StatusLoading
	r.mu.Unlock()

	r.log.Info("launching pipeline platform")
	if err := r.driver.Launch(ctx, r.configs, r.commitID); err != nil {
		r.captureError(err)
		return
	}
	r.mu.Lock()
	if r.status == domain.StatusCancelling {
		r.mu.Unlock()
		return
	}
	r.status = domain.StatusRunning
	r.mu.Unlock()

	r.log.Info("running pipeline")
	if _, stderr, err := r.driver.RunCC(ctx); err != nil {
		r.log.Error("pipeline run failed", "error", err, "stderr", stderr)
		r.captureError(err)
		return
	}
	r.log.Info("pipeline run finished")
}

// captureError records the failure, classified by the phase the runner was in
// when it happened. A cancellation already in progress wins over the platform
// error it provoked.
func (r *Runner) captureError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errType == domain.ErrCancel {
		return
	}
	switch r.status {
	case domain.StatusLoading:
		r.errType = domain.ErrLoad
	case domain.StatusRunning:
		r.errType = domain.ErrRun
	case domain.StatusCancelling:
		r.errType = domain.ErrCancel
	default:
		r.errType = domain.ErrOther
	}
	r.errMsg = err.Error()
}

// finalize tears the platform down exactly once. Calling it again after the
// runner reached DESTROYING or FINISHED is a no-op.
func (r *Runner) finalize(ctx context.Context) {
	r.mu.Lock()
	if r.status == domain.StatusDestroying || r.status == domain.StatusFinished {
		r.mu.Unlock()
		return
	}
	r.status = domain.StatusDestroying
	r.mu.Unlock()

	r.log.Info("finalizing pipeline platform")
	if err := r.driver.Finalize(ctx); err != nil {
		// Teardown errors never override the pipeline outcome.
		r.log.Error("platform finalize failed", "error", err)
	}

	r.mu.Lock()
	r.status = domain.StatusFinished
	r.mu.Unlock()
}

// Cancel interrupts the runner from outside. It is a no-op once teardown has
// begun or a cancel is already in flight, so repeated calls are safe.
func (r *Runner) Cancel(ctx context.Context) {
	r.mu.Lock()
	switch r.status {
	case domain.StatusDestroying, domain.StatusFinished, domain.StatusCancelling:
		r.mu.Unlock()
		return
	}
	prev := r.status
	r.status = domain.StatusCancelling
	r.errType = domain.ErrCancel
	r.errMsg = domain.ErrCancel.Message()
	r.mu.Unlock()

	r.log.Info("cancelling pipeline", "phase", prev)
	switch prev {
	case domain.StatusRunning:
		if err := r.driver.CancelCC(ctx); err != nil {
			r.log.Error("cancel signal failed", "error", err)
		}
	case domain.StatusLoading:
		if err := r.driver.CancelLaunch(ctx, launchCancelWait); err != nil {
			r.log.Error("launch cancel failed", "error", err)
		}
	}
}
