package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	submits        *prometheus.CounterVec
	submitDuration prometheus.Histogram
	retries        prometheus.Counter
	queryPolls     *prometheus.CounterVec
	activeQueries  prometheus.Gauge
}

// newMetrics registers the backend's collectors with reg. A nil reg keeps
// them unregistered, so several backends can live in one process.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		submits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "otsync_submits_total",
			Help: "Submitted ops by result code; ok for committed ops",
		}, []string{"result"}),
		submitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "otsync_submit_duration_seconds",
			Help:    "Time from submit to commit or failure",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "otsync_submit_retries_total",
			Help: "Commit races lost and retried",
		}),
		queryPolls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "otsync_query_polls_total",
			Help: "Live query re-evaluations by mode",
		}, []string{"mode"}),
		activeQueries: f.NewGauge(prometheus.GaugeOpts{
			Name: "otsync_active_queries",
			Help: "Live query subscriptions currently open",
		}),
	}
}
