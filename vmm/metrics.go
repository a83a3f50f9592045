package vmm

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gosnap"

type metrics struct {
	createDuration *prometheus.HistogramVec
	loadDuration   prometheus.Histogram
	bytesWritten   *prometheus.CounterVec
	dirtyPages     prometheus.Counter
	failures       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		createDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "create_duration_seconds",
			Help:      "Time spent creating a snapshot, by snapshot type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"type"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "load_duration_seconds",
			Help:      "Time spent loading a snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "bytes_written_total",
			Help:      "Bytes written to snapshot and memory files.",
		}, []string{"file"}),
		dirtyPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "dirty_pages_captured_total",
			Help:      "Dirty pages written by diff snapshots.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "failures_total",
			Help:      "Failed snapshot operations by operation and error kind.",
		}, []string{"op", "kind"}),
	}

	reg.MustRegister(m.createDuration, m.loadDuration, m.bytesWritten, m.dirtyPages, m.failures)

	return m
}

func (m *metrics) fail(op string, err error) {
	m.failures.WithLabelValues(op, Classify(err).String()).Inc()
}
