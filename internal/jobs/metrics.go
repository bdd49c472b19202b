package jobs

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	transitions *prometheus.CounterVec
	reaped      prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sceneforge_job_transitions_total",
			Help: "Job lifecycle transitions by target status.",
		}, []string{"to"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sceneforge_job_heartbeat_expired_total",
			Help: "Processing jobs failed by the reaper after their heartbeat expired.",
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.transitions, m.reaped}
}
