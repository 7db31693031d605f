// Package metrics holds the Prometheus collectors of the import service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "voterimport"

var ImportsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "imports_total",
		Help:      "CSV imports by outcome kind.",
	},
	[]string{"result"},
)

var ImportedRows = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "imported_rows_total",
		Help:      "Rows stored by successful imports.",
	},
)

var SkippedRows = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "skipped_rows_total",
		Help:      "Malformed rows skipped by imports.",
	},
)

var IngestDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Wall time of an import from first byte to commit.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	},
)

var ExportsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exports_total",
		Help:      "CSV exports started.",
	},
)

var ReapedSessions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaped_sessions_total",
		Help:      "Expired sessions removed by the reaper.",
	},
)

var ReapFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reap_failures_total",
		Help:      "Session deletions that failed and were left for retry.",
	},
)

var ActiveSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions within their retention window after the last sweep.",
	},
)

func init() {
	prometheus.MustRegister(ImportsTotal)
	prometheus.MustRegister(ImportedRows)
	prometheus.MustRegister(SkippedRows)
	prometheus.MustRegister(IngestDuration)
	prometheus.MustRegister(ExportsTotal)
	prometheus.MustRegister(ReapedSessions)
	prometheus.MustRegister(ReapFailures)
	prometheus.MustRegister(ActiveSessions)
}
