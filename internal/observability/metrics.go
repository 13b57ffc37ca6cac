package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sync collectors. Each instance registers on its own
// registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	cyclesTotal   *prometheus.CounterVec
	postsWritten  *prometheus.CounterVec
	batchFailures *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "castsync",
				Name:      "cycles_total",
				Help:      "Sync cycles by channel and final status",
			},
			[]string{"channel", "status"},
		),
		postsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "castsync",
				Name:      "posts_written_total",
				Help:      "Posts appended to the store",
			},
			[]string{"channel"},
		),
		batchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "castsync",
				Name:      "batch_failures_total",
				Help:      "Rejected store write batches",
			},
			[]string{"channel"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "castsync",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of one channel sync cycle",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
	}
}

// RecordCycle records the outcome of one channel cycle.
func (m *Metrics) RecordCycle(channel, status string, written, failedBatches int, took time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(channel, status).Inc()
	m.cycleDuration.WithLabelValues(channel).Observe(took.Seconds())
	if written > 0 {
		m.postsWritten.WithLabelValues(channel).Add(float64(written))
	}
	if failedBatches > 0 {
		m.batchFailures.WithLabelValues(channel).Add(float64(failedBatches))
	}
}
