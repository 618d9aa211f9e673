// Package daemon composes the ccdaemon control plane: database gateway,
// pipeline queue, platform factory, report source, the three workers, and
// the supervisory loop that watches them.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/gcbio/ccdaemon/internal/api"
	"github.com/gcbio/ccdaemon/internal/config"
	"github.com/gcbio/ccdaemon/internal/domain"
	"github.com/gcbio/ccdaemon/internal/notify"
	"github.com/gcbio/ccdaemon/internal/platform"
	"github.com/gcbio/ccdaemon/internal/postgres"
	"github.com/gcbio/ccdaemon/internal/queue"
	"github.com/gcbio/ccdaemon/internal/report"
	"github.com/gcbio/ccdaemon/internal/runner"
	"github.com/gcbio/ccdaemon/internal/workers"
)

const orphanNote = "orphaned pipeline updated upon daemon start"

// shutdownTimeout bounds the cleanup sequence once the daemon is leaving.
const shutdownTimeout = 15 * time.Minute

// Manager owns every long-lived component and runs the supervisory loop.
type Manager struct {
	cfgPath string
	cfg     *config.Config
	log     *slog.Logger

	pool    *pgxpool.Pool
	store   *postgres.AnalysisStore
	queue   *queue.PipelineQueue
	factory platform.Factory
	source  report.Source
	emailer *notify.Emailer

	launch *workers.LaunchWorker
	run    *workers.RunWorker
	report *workers.ReportWorker

	admin   *api.Server
	digest  *cron.Cron
	watcher *fsnotify.Watcher

	reload chan struct{}
}

// New builds a fully wired manager from the configuration file. Nothing is
// started yet; Run does that.
func New(ctx context.Context, cfgPath string, log *slog.Logger) (*Manager, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	pool, err := postgres.NewPool(ctx, cfg.Database.URL())
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	store := postgres.NewAnalysisStore(pool)
	if err := store.SyncStatuses(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.SyncErrorTypes(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	q, err := queue.New(cfg.PipelineQueue.MaxCPUs, cfg.PipelineQueue.MaxLoading)
	if err != nil {
		pool.Close()
		return nil, err
	}

	factory, err := platform.NewGoogleFactory(cfg.Platform, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	source, err := report.NewPubSubSource(cfg.ReportQueue)
	if err != nil {
		pool.Close()
		return nil, err
	}
	emailer, err := notify.NewEmailer(cfg.EmailReporter, cfg.EmailRecipients)
	if err != nil {
		pool.Close()
		return nil, err
	}
	reportDriver, err := factory.ReportDriver()
	if err != nil {
		pool.Close()
		return nil, err
	}

	workerInterval := time.Duration(cfg.WorkerSleepTime) * time.Second
	m := &Manager{
		cfgPath: cfgPath,
		cfg:     cfg,
		log:     log,
		pool:    pool,
		store:   store,
		queue:   q,
		factory: factory,
		source:  source,
		emailer: emailer,
		// Runners must outlive the signal context: a cancelled runner still
		// has to finalize its VM during cleanup.
		launch:  workers.NewLaunchWorker(context.WithoutCancel(ctx), store, q, factory, workerInterval, log),
		run:     workers.NewRunWorker(store, q, workerInterval, log),
		report:  workers.NewReportWorker(store, q, source, reportDriver, workerInterval, log),
		reload:  make(chan struct{}, 1),
	}

	if cfg.AdminAddr != "" {
		m.admin = api.NewServer(cfg.AdminAddr, api.NewRouter(q, store, log), log)
	}
	if cfg.DigestSchedule != "" {
		m.digest = cron.New()
		if _, err := m.digest.AddFunc(cfg.DigestSchedule, m.sendDigest); err != nil {
			pool.Close()
			return nil, fmt.Errorf("digest_schedule: %w", err)
		}
	}
	return m, nil
}

// Validate probes every component that supports validation before any
// pipeline is touched.
func (m *Manager) Validate(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("database validation: %w", err)
	}
	if err := m.factory.Validate(ctx); err != nil {
		return err
	}
	ok, err := m.source.SubscriptionExists(ctx)
	if err != nil {
		return fmt.Errorf("report subscription validation: %w", err)
	}
	if !ok {
		return fmt.Errorf("report subscription %s does not exist", m.cfg.ReportQueue.Subscription)
	}
	ok, err = m.source.TopicExists(ctx)
	if err != nil {
		return fmt.Errorf("report topic validation: %w", err)
	}
	if !ok {
		return fmt.Errorf("report topic %s does not exist", m.cfg.ReportQueue.Topic)
	}
	return nil
}

// reconcileOrphans repairs rows left behind by a prior crash: any pipeline
// whose status implies a live runner is marked failed, because no such
// runner exists in this process.
func (m *Manager) reconcileOrphans(ctx context.Context) error {
	ids, err := m.store.ListOrphaned(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.log.Warn("repairing orphaned pipeline", "pipeline_id", id)
		if err := m.store.MarkFailed(ctx, id, domain.ErrOther, orphanNote); err != nil {
			return fmt.Errorf("repair orphan %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		m.log.Info("orphan reconciliation complete", "repaired", len(ids))
	}
	return nil
}

// TriggerReload asks the supervisory loop to re-read the configuration.
// Non-blocking; coalesces with a pending reload.
func (m *Manager) TriggerReload() {
	select {
	case m.reload <- struct{}{}:
	default:
	}
}

// Run starts everything and blocks in the supervisory loop until the context
// is cancelled or a worker dies. The cleanup sequence always runs; the
// returned error is the cause of an abnormal exit.
func (m *Manager) Run(ctx context.Context) (err error) {
	defer func() {
		m.cleanUp(err)
	}()

	if err = m.reconcileOrphans(ctx); err != nil {
		return err
	}

	// The run and report workers have to stay up through cleanup so that
	// cancelled runners are retired to the database; they stop via Stop
	// after the queue drains, not with the signal context. The launch
	// worker may die with the signal: admission must cease immediately.
	workerCtx := context.WithoutCancel(ctx)
	m.launch.Start(ctx)
	m.run.Start(workerCtx)
	m.report.Start(workerCtx)
	if m.admin != nil {
		m.admin.Start()
	}
	if m.digest != nil {
		m.digest.Start()
	}
	m.watchConfig(ctx)

	m.log.Info("daemon started",
		"max_cpus", m.queue.MaxCPUs(),
		"max_loading", m.queue.MaxLoading(),
		"worker_sleep_time", m.cfg.WorkerSleepTime,
		"daemon_sleep_time", m.cfg.DaemonSleepTime,
	)

	ticker := time.NewTicker(time.Duration(m.cfg.DaemonSleepTime) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("shutdown signal received")
			return nil
		case <-m.reload:
			m.applyReload()
		case <-ticker.C:
			m.log.Info("queue snapshot", "dump", m.queue.String())
			for _, w := range []interface{ Check() error }{m.launch, m.run, m.report} {
				if err = w.Check(); err != nil {
					return err
				}
			}
		}
	}
}

// applyReload re-reads the configuration file and applies the queue caps.
// Every other field is fixed for the life of the process.
func (m *Manager) applyReload() {
	cfg, err := config.Load(m.cfgPath)
	if err != nil {
		m.log.Error("reload failed, keeping current configuration", "error", err)
		return
	}
	m.queue.SetMaxCPUs(cfg.PipelineQueue.MaxCPUs)
	m.queue.SetMaxLoading(cfg.PipelineQueue.MaxLoading)
	m.log.Info("queue caps reloaded",
		"max_cpus", cfg.PipelineQueue.MaxCPUs,
		"max_loading", cfg.PipelineQueue.MaxLoading,
	)
}

// watchConfig triggers a reload when the configuration file changes on disk.
// Editors and the resize CLI replace the file, so Create events count too.
func (m *Manager) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("config watcher unavailable, reload by signal only", "error", err)
		return
	}
	if err := watcher.Add(m.cfgPath); err != nil {
		m.log.Warn("cannot watch config file, reload by signal only", "error", err)
		watcher.Close()
		return
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					m.log.Info("config file changed", "event", ev.Op.String())
					m.TriggerReload()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Warn("config watcher error", "error", werr)
			}
		}
	}()
}

// cleanUp is the shutdown sequence: stop admitting, cancel every runner,
// let the run worker drain the queue, finalize stragglers directly, then
// stop the remaining workers and send the exit email.
func (m *Manager) cleanUp(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	m.log.Info("cleanup started")
	m.launch.Stop()

	for _, qr := range m.queue.Snapshot() {
		if r, ok := qr.(workers.ActiveRunner); ok {
			r.Cancel(ctx)
		}
	}

	m.drainQueue(ctx)

	for _, qr := range m.queue.Snapshot() {
		m.log.Warn("finalizing straggler directly", "pipeline_id", qr.ID())
		if r, ok := qr.(interface{ Driver() platform.Driver }); ok {
			if err := r.Driver().Finalize(ctx); err != nil {
				m.log.Error("straggler finalize failed", "pipeline_id", qr.ID(), "error", err)
			}
		}
		m.queue.Remove(qr.ID())
	}

	m.report.Stop()
	m.run.Stop()
	if m.digest != nil {
		m.digest.Stop()
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
	if m.admin != nil {
		m.admin.Stop(ctx)
	}

	m.sendExitEmail(cause)
	m.pool.Close()
	m.log.Info("cleanup finished")
}

// drainQueue waits while the run worker retires cancelled runners. The wait
// is bounded by the run worker's liveness, queue emptiness, and the shutdown
// timeout; stragglers left after it are finalized directly.
func (m *Manager) drainQueue(ctx context.Context) {
	drain := time.NewTicker(2 * time.Second)
	defer drain.Stop()
	for !m.queue.IsEmpty() && m.run.Alive() {
		select {
		case <-ctx.Done():
			m.log.Warn("queue drain timed out")
			return
		case <-drain.C:
		}
	}
}

// sendExitEmail notifies operators that the daemon stopped. Delivery
// failures are logged and swallowed; nothing may block the exit path.
func (m *Manager) sendExitEmail(cause error) {
	subject := "daemon stopped"
	body := "The pipeline daemon has shut down gracefully."
	if cause != nil {
		subject = "daemon stopped on error"
		body = "The pipeline daemon has shut down on an error:\n\n" + cause.Error()
	}
	if err := m.emailer.Send(subject, body); err != nil {
		m.log.Error("exit email failed", "error", err)
	}
}

// sendDigest mails the current queue snapshot. Runs on the optional cron
// schedule.
func (m *Manager) sendDigest() {
	body := "Current pipeline queue:\n\n" + m.queue.String()
	if err := m.emailer.Send("status digest", body); err != nil {
		m.log.Error("digest email failed", "error", err)
	}
}

// compile-time check that queue entries carry the surfaces cleanup needs
var _ workers.ActiveRunner = (*runner.Runner)(nil)
