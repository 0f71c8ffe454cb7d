package coreindexer

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet is the indexer's optional Prometheus surface. client_golang is
// a transitive dependency of the storage engine this package's ancestor
// pulls in; an Indexer promotes it to a direct one so operators get the
// same observability story for free when they opt in via
// Options.MetricsRegisterer.
type metricsSet struct {
	logger        *slog.Logger
	remaining     prometheus.Gauge
	entriesTotal  prometheus.Counter
	bytesTotal    prometheus.Counter
	batchDuration prometheus.Histogram
	stateIdle     prometheus.Gauge
}

// newMetricsSet returns nil if reg is nil: metrics are opt-in.
func newMetricsSet(reg prometheus.Registerer, logger *slog.Logger) *metricsSet {
	if reg == nil {
		return nil
	}
	m := &metricsSet{
		logger: logger,
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coreindexer",
			Name:      "remaining",
			Help:      "Entries known but not yet marked indexed, including those in a batch still being processed.",
		}),
		entriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coreindexer",
			Name:      "entries_total",
			Help:      "Entries delivered to the batch consumer.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coreindexer",
			Name:      "bytes_total",
			Help:      "Sum of the byte-length heuristic over every delivered entry.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coreindexer",
			Name:      "batch_entries",
			Help:      "Number of entries per batch delivered to the consumer.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		stateIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coreindexer",
			Name:      "idle",
			Help:      "1 if the indexer is currently idle, 0 otherwise.",
		}),
	}
	reg.MustRegister(m.remaining, m.entriesTotal, m.bytesTotal, m.batchDuration, m.stateIdle)
	return m
}

// observeBatch records a delivered batch, weighting bytesTotal by each
// entry's byte-length heuristic rather than just a flat entry count.
func (m *metricsSet) observeBatch(entries []Entry, enc Encoding) {
	m.entriesTotal.Add(float64(len(entries)))
	m.batchDuration.Observe(float64(len(entries)))
	var bytes int
	for _, e := range entries {
		n, err := byteLength(enc, e.Block)
		if err != nil {
			m.logger.Error("byteLengthFailed", "err", err)
			continue
		}
		bytes += n
	}
	m.bytesTotal.Add(float64(bytes))
}

func (m *metricsSet) setState(state IndexState) {
	m.remaining.Set(float64(state.Remaining))
	if state.Current == StateIdle {
		m.stateIdle.Set(1)
	} else {
		m.stateIdle.Set(0)
	}
}
