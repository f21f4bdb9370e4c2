package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики jobs и шагов. Регистрируются в глобальном registry
// и отдаются через promhttp.Handler() на /metrics.
var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_created_total",
		Help: "Jobs created, by trigger type",
	}, []string{"trigger"})

	JobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_rejected_total",
		Help: "Job creation attempts rejected, by reason",
	}, []string{"reason"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_finished_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_job_duration_seconds",
		Help:    "Job execution time from admission to completion",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"status"})

	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_jobs_running",
		Help: "Jobs currently executed by this orchestrator",
	})

	JobsStuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_jobs_stuck",
		Help: "Running jobs older than the stuck timeout at the last sweep",
	})

	JobsCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_jobs_cleaned_total",
		Help: "Finished jobs deleted by retention cleanup",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_step_duration_seconds",
		Help:    "Step execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	StepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_step_errors_total",
		Help: "Step errors, by handler and severity",
	}, []string{"handler", "severity"})

	TriggersFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_triggers_fired_total",
		Help: "Schedule triggers fired",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_http_requests_total",
		Help: "HTTP requests handled by the admin API",
	}, []string{"method", "code"})
)
