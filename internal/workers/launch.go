package workers

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gcbio/ccdaemon/internal/domain"
	"github.com/gcbio/ccdaemon/internal/metrics"
	"github.com/gcbio/ccdaemon/internal/platform"
	"github.com/gcbio/ccdaemon/internal/queue"
	"github.com/gcbio/ccdaemon/internal/runner"
)

// LaunchStore is the slice of the analysis store the launch worker needs.
type LaunchStore interface {
	ListByStatus(ctx context.Context, status domain.Status) ([]domain.Analysis, error)
	MarkLaunched(ctx context.Context, id int64, runStart time.Time) error
	MarkFailed(ctx context.Context, id int64, et domain.ErrorType, extra string) error
}

// LaunchWorker discovers IDLE pipelines and starts runners for the ones the
// queue admits.
type LaunchWorker struct {
	*worker
	store   LaunchStore
	queue   *queue.PipelineQueue
	factory platform.Factory
	log     *slog.Logger

	// runnerCtx outlives the worker loop: runners keep executing after the
	// launch worker stops admitting.
	runnerCtx context.Context
}

// NewLaunchWorker wires the launch loop. runnerCtx bounds the lifetime of
// the runners it starts, not of the loop itself.
func NewLaunchWorker(runnerCtx context.Context, store LaunchStore, q *queue.PipelineQueue, factory platform.Factory, interval time.Duration, log *slog.Logger) *LaunchWorker {
	w := &LaunchWorker{
		store:     store,
		queue:     q,
		factory:   factory,
		log:       log,
		runnerCtx: runnerCtx,
	}
	w.worker = newWorker("launch", interval, log, w.tick)
	return w
}

func (w *LaunchWorker) tick(ctx context.Context) error {
	idle, err := w.store.ListByStatus(ctx, domain.StatusIdle)
	if err != nil {
		return err
	}

	for _, a := range idle {
		if ctx.Err() != nil {
			return nil
		}
		if !w.queue.CanAdmit(a.Type.CPUs) || w.queue.Contains(a.ID) {
			continue
		}
		if err := w.launchOne(ctx, a); err != nil {
			// The pipeline is marked failed; the worker aborts so the
			// supervisor notices a launch path that cannot make progress.
			if failErr := w.store.MarkFailed(ctx, a.ID, domain.ErrInit, err.Error()); failErr != nil {
				w.log.Error("could not record launch failure", "pipeline_id", a.ID, "error", failErr)
			}
			return fmt.Errorf("launch pipeline %d: %w", a.ID, err)
		}
	}
	return nil
}

// launchOne builds the driver and runner for one admitted pipeline, commits
// the READY transition, and hands the runner to the queue.
func (w *LaunchWorker) launchOne(ctx context.Context, a domain.Analysis) error {
	// A short random suffix keeps instance names unique when a pipeline is
	// relaunched after a failure.
	name := fmt.Sprintf("cc-%d-%s", a.ID, uuid.NewString()[:8])
	driver, err := w.factory.NewDriver(name, platform.Resources{
		CPUs:   a.Type.CPUs,
		MemGB:  a.Type.MemGB,
		DiskGB: a.Type.DiskGB,
	})
	if err != nil {
		return fmt.Errorf("build driver: %w", err)
	}
	driver.SetFinalOutputDir(a.FinalOutputDir)

	configs, err := decodeConfigs(a)
	if err != nil {
		return err
	}

	r := runner.New(a, driver, configs, w.log)
	if err := w.store.MarkLaunched(ctx, a.ID, time.Now()); err != nil {
		return fmt.Errorf("mark launched: %w", err)
	}
	r.Start(w.runnerCtx)
	if err := w.queue.Add(r); err != nil {
		r.Cancel(w.runnerCtx)
		return fmt.Errorf("enqueue runner: %w", err)
	}

	metrics.PipelinesLaunched.Inc()
	w.log.Info("pipeline launched", "pipeline_id", a.ID, "pipeline", a.Name, "cpus", a.Type.CPUs)
	return nil
}

// decodeConfigs unwraps the base64 blobs stored on the analysis type into
// the bundle uploaded to the VM.
func decodeConfigs(a domain.Analysis) (platform.ConfigBundle, error) {
	var (
		bundle platform.ConfigBundle
		err    error
	)
	decode := func(field, blob string) string {
		if err != nil || blob == "" {
			return ""
		}
		raw, decodeErr := base64.StdEncoding.DecodeString(blob)
		if decodeErr != nil {
			err = fmt.Errorf("decode %s config: %w", field, decodeErr)
			return ""
		}
		return string(raw)
	}

	bundle.Graph = decode("graph", a.Type.GraphConfig)
	bundle.ResourceKit = decode("resource kit", a.Type.ResourceKit)
	bundle.Platform = decode("platform", a.Type.PlatformConf)
	bundle.SampleSheet = decode("sample sheet", a.SampleSheet)
	bundle.StartupScript = decode("startup script", a.Type.StartupScript)
	if err != nil {
		return platform.ConfigBundle{}, err
	}
	return bundle, nil
}
