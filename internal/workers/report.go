package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gcbio/ccdaemon/internal/domain"
	"github.com/gcbio/ccdaemon/internal/metrics"
	"github.com/gcbio/ccdaemon/internal/platform"
	"github.com/gcbio/ccdaemon/internal/postgres"
	"github.com/gcbio/ccdaemon/internal/queue"
	"github.com/gcbio/ccdaemon/internal/report"
)

// qcFileType marks an output file whose contents are a QC report.
const qcFileType = "qc_report"

// ReportStore is the slice of the analysis store the report worker needs.
type ReportStore interface {
	Exists(ctx context.Context, id int64) (bool, error)
	HasCost(ctx context.Context, id int64) (bool, error)
	ApplyReport(ctx context.Context, r postgres.ReportResult) error
}

// FileChecker is the storage surface used to verify declared outputs.
type FileChecker interface {
	PathExists(ctx context.Context, path string) (bool, error)
	CatFile(ctx context.Context, path string) ([]byte, error)
}

// ReportWorker pulls completion reports off the bus and applies them. The
// bus delivers at least once, so every path either acks (done or hopeless)
// or leaves the message for redelivery.
type ReportWorker struct {
	*worker
	store   ReportStore
	queue   *queue.PipelineQueue
	source  report.Source
	checker FileChecker
	log     *slog.Logger
}

// NewReportWorker wires the report loop. checker is typically the shared
// storage-only platform driver.
func NewReportWorker(store ReportStore, q *queue.PipelineQueue, source report.Source, checker FileChecker, interval time.Duration, log *slog.Logger) *ReportWorker {
	w := &ReportWorker{store: store, queue: q, source: source, checker: checker, log: log}
	w.worker = newWorker("report", interval, log, w.tick)
	return w
}

func (w *ReportWorker) tick(ctx context.Context) error {
	msg, err := w.source.Pull(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	rep, err := report.Decode(msg.Data)
	if err != nil {
		// Nothing further is possible with an unparseable report.
		w.log.Error("discarding unparseable report", "error", err)
		metrics.ReportsProcessed.WithLabelValues("discarded").Inc()
		return w.source.Ack(ctx, msg.AckID)
	}
	log := w.log.With("pipeline_id", rep.PipelineID)

	// The run worker has to retire the runner before the report is applied;
	// leave the message unacked and let the bus redeliver.
	if w.queue.Contains(rep.PipelineID) {
		log.Debug("pipeline still enqueued, deferring report")
		metrics.ReportsProcessed.WithLabelValues("deferred").Inc()
		return nil
	}

	exists, err := w.store.Exists(ctx, rep.PipelineID)
	if err != nil {
		return err
	}
	if !exists {
		log.Warn("discarding report for unknown pipeline")
		metrics.ReportsProcessed.WithLabelValues("discarded").Inc()
		return w.source.Ack(ctx, msg.AckID)
	}

	reported, err := w.store.HasCost(ctx, rep.PipelineID)
	if err != nil {
		return err
	}
	if reported {
		log.Debug("discarding duplicate report")
		metrics.ReportsProcessed.WithLabelValues("discarded").Inc()
		return w.source.Ack(ctx, msg.AckID)
	}

	result, err := w.buildResult(ctx, rep, log)
	if err != nil {
		return err
	}
	if err := w.store.ApplyReport(ctx, result); err != nil {
		return err
	}

	metrics.ReportsProcessed.WithLabelValues("applied").Inc()
	log.Info("report applied", "success", result.Success, "cost", result.Cost, "files", len(result.Files))
	return w.source.Ack(ctx, msg.AckID)
}

// buildResult verifies the declared outputs on the platform and assembles
// the database update. A declared-but-missing file forces the outcome to
// failure regardless of what the engine claimed.
func (w *ReportWorker) buildResult(ctx context.Context, rep report.Report, log *slog.Logger) (postgres.ReportResult, error) {
	result := postgres.ReportResult{
		AnalysisID: rep.PipelineID,
		Cost:       rep.TotalCost,
		Success:    rep.Success(),
		ErrorMsg:   rep.Error,
	}
	if rep.GitCommit != nil {
		result.GitCommit = *rep.GitCommit
	}

	var missing []string
	for _, f := range rep.FinalOutputs() {
		found, err := w.checker.PathExists(ctx, f.Path)
		if errors.Is(err, platform.ErrStorageOnly) {
			// A declared path outside object storage cannot be verified once
			// the VM is gone; count it missing and carry on.
			found, err = false, nil
		}
		if err != nil {
			return postgres.ReportResult{}, fmt.Errorf("check output %s: %w", f.Path, err)
		}
		if !found {
			missing = append(missing, f.Path)
		}
		result.Files = append(result.Files, domain.OutputFile{
			Path:     f.Path,
			FileType: f.FileType,
			TaskID:   f.TaskID,
			Found:    found,
		})
		if found && f.FileType == qcFileType {
			result.QCStats = append(result.QCStats, w.parseQC(ctx, f.Path, log)...)
		}
	}

	if len(missing) > 0 {
		result.Success = false
		note := fmt.Sprintf("Declared output files missing: %s.", strings.Join(missing, ", "))
		if result.ErrorMsg != "" {
			note = result.ErrorMsg + " " + note
		}
		result.ErrorMsg = note
	}
	return result, nil
}

// parseQC fetches and parses one QC report. QC stats are supplementary; a
// bad QC file never fails the pipeline ingestion.
func (w *ReportWorker) parseQC(ctx context.Context, path string, log *slog.Logger) []domain.QCStat {
	data, err := w.checker.CatFile(ctx, path)
	if err != nil {
		log.Warn("could not fetch qc report", "path", path, "error", err)
		return nil
	}
	stats, err := report.ParseQCReport(data, path)
	if err != nil {
		log.Warn("could not parse qc report", "path", path, "error", err)
		return nil
	}
	return stats
}
