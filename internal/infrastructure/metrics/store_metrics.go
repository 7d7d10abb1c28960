// Package metrics holds the Prometheus collectors of the event store, the
// command runtime and the projection dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventflow"

// StoreMetrics contains Prometheus metrics for event store appends and reads.
type StoreMetrics struct {
	AppendsTotal   *prometheus.CounterVec
	EventsAppended *prometheus.CounterVec
	AppendDuration *prometheus.HistogramVec
	LoadDuration   *prometheus.HistogramVec
	LoadedEvents   prometheus.Histogram
}

// NewStoreMetrics creates and registers event store metrics with the given registerer.
func NewStoreMetrics(registerer prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		AppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_appends_total",
				Help:      "Total number of append calls",
			},
			[]string{"aggregate_type", "result"}, // result: ok/conflict/invalid/error
		),
		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_events_appended_total",
				Help:      "Total number of committed events",
			},
			[]string{"aggregate_type"},
		),
		AppendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_append_duration_seconds",
				Help:      "Time spent committing one append batch",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"aggregate_type"},
		),
		LoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_load_duration_seconds",
				Help:      "Time spent reading a stream or a feed page",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"}, // op: stream/feed
		),
		LoadedEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_loaded_events",
			Help:      "Number of events returned by one stream read",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	registerer.MustRegister(
		m.AppendsTotal,
		m.EventsAppended,
		m.AppendDuration,
		m.LoadDuration,
		m.LoadedEvents,
	)

	return m
}
