package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocumentsDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "civicdocs_documents_discovered_total",
			Help: "Candidate documents seen across all sweeps",
		},
	)

	DocumentsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "civicdocs_documents_stored_total",
			Help: "New documents stored (post-dedup)",
		},
	)

	FetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicdocs_fetch_failures_total",
			Help: "Candidate content fetches that failed",
		},
		[]string{"source"},
	)

	SweepErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicdocs_sweep_errors_total",
			Help: "Adapter-level listing failures per source",
		},
		[]string{"source"},
	)

	SweepsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "civicdocs_sweeps_skipped_total",
			Help: "Ingestion sweeps skipped due to queue backpressure",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicdocs_runs_total",
			Help: "Pipeline runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "civicdocs_stage_duration_seconds",
			Help:    "Time spent per pipeline stage",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 180},
		},
		[]string{"stage"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "civicdocs_queue_depth",
			Help: "Pipeline runs waiting in the work queue",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civicdocs_llm_tokens_used_total",
			Help: "Total LLM tokens consumed",
		},
		[]string{"provider", "model"},
	)

	PersistenceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "civicdocs_persistence_failures_total",
			Help: "Results-storage failures after retry exhaustion",
		},
	)
)

func Init() {
	prometheus.MustRegister(DocumentsDiscovered)
	prometheus.MustRegister(DocumentsStored)
	prometheus.MustRegister(FetchFailures)
	prometheus.MustRegister(SweepErrors)
	prometheus.MustRegister(SweepsSkipped)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(PersistenceFailures)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
