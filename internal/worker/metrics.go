package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	activeJobs       prometheus.Gauge
	thumbnailBytes   prometheus.Counter
	failuresRecorded prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sceneforge_worker_tasks_total",
			Help: "Total tasks handled by the worker by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sceneforge_worker_task_duration_seconds",
			Help:    "Time spent handling each task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type", "outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sceneforge_worker_active_tasks",
			Help: "Tasks currently being handled by the worker.",
		}),
		thumbnailBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sceneforge_worker_thumbnail_bytes_total",
			Help: "Total bytes of thumbnails written to object storage.",
		}),
		failuresRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sceneforge_worker_job_failures_recorded_total",
			Help: "Jobs marked failed after transport retries ran out.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.thumbnailBytes,
		m.failuresRecorded,
	)
	return m
}

// Register adds collectors owned by other components to the worker's
// metrics endpoint.
func (m *metrics) Register(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
