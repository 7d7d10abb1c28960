package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Command outcomes recorded by RuntimeMetrics.CommandsTotal.
const (
	ResultOK         = "ok"
	ResultNoop       = "noop"
	ResultDuplicate  = "duplicate"
	ResultConflict   = "conflict"
	ResultValidation = "validation"
	ResultDomain     = "domain"
	ResultError      = "error"
)

// RuntimeMetrics contains Prometheus metrics for command handling.
type RuntimeMetrics struct {
	CommandsTotal    *prometheus.CounterVec
	CommandRetries   *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	SnapshotReads    *prometheus.CounterVec
	SnapshotsWritten prometheus.Counter
	ReplayedEvents   prometheus.Histogram
}

// NewRuntimeMetrics creates and registers runtime metrics with the given registerer.
func NewRuntimeMetrics(registerer prometheus.Registerer) *RuntimeMetrics {
	m := &RuntimeMetrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of handled commands by outcome",
			},
			[]string{"aggregate_type", "command", "result"},
		),
		CommandRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_retries_total",
				Help:      "Total number of command retries after a conflict or storage failure",
			},
			[]string{"aggregate_type", "command"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time from load to commit for one command, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"aggregate_type", "command"},
		),
		SnapshotReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_reads_total",
				Help:      "Snapshot lookups by result",
			},
			[]string{"result"}, // result: hit/miss/stale/error
		),
		SnapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_written_total",
			Help:      "Total number of snapshots persisted",
		}),
		ReplayedEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replayed_events",
			Help:      "Events folded on top of the snapshot to rebuild state",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	registerer.MustRegister(
		m.CommandsTotal,
		m.CommandRetries,
		m.CommandDuration,
		m.SnapshotReads,
		m.SnapshotsWritten,
		m.ReplayedEvents,
	)

	return m
}
