// Package metrics defines the Prometheus instruments exported on the admin
// endpoint. Collectors are registered on the default registry at init time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueCPUs tracks CPUs committed to enqueued pipelines.
	QueueCPUs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ccdaemon_queue_cpus",
		Help: "CPUs committed to enqueued pipelines.",
	})

	// QueueLoading tracks pipelines still in the provisioning phase.
	QueueLoading = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ccdaemon_queue_loading_pipelines",
		Help: "Enqueued pipelines in READY or LOADING state.",
	})

	// QueuePipelines tracks the total enqueued pipeline count.
	QueuePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ccdaemon_queue_pipelines",
		Help: "Total enqueued pipelines.",
	})

	// WorkerTicks counts completed worker loop iterations.
	WorkerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccdaemon_worker_ticks_total",
		Help: "Completed worker loop iterations.",
	}, []string{"worker"})

	// WorkerErrors counts worker loop iterations that ended the worker.
	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccdaemon_worker_errors_total",
		Help: "Worker loop failures that stopped the worker.",
	}, []string{"worker"})

	// PipelinesLaunched counts pipelines admitted and started.
	PipelinesLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccdaemon_pipelines_launched_total",
		Help: "Pipelines admitted to the queue and started.",
	})

	// PipelinesRetired counts pipelines retired from the queue, labeled by
	// the provisional error classification written at retirement.
	PipelinesRetired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccdaemon_pipelines_retired_total",
		Help: "Pipelines retired from the queue by error type.",
	}, []string{"error_type"})

	// ReportsProcessed counts report bus messages by disposition.
	ReportsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccdaemon_reports_processed_total",
		Help: "Report messages by disposition (applied, discarded, deferred).",
	}, []string{"disposition"})
)
