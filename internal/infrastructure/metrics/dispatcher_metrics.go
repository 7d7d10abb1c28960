package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DispatcherMetrics contains Prometheus metrics for projection consumers.
type DispatcherMetrics struct {
	EventsProcessed    *prometheus.CounterVec
	ApplyDuration      *prometheus.HistogramVec
	RetryTotal         *prometheus.CounterVec
	Checkpoint         *prometheus.GaugeVec
	Lag                *prometheus.GaugeVec
	Halted             *prometheus.GaugeVec
	DeadLettersPending prometheus.Gauge
	PollBatchSize      prometheus.Histogram
}

// NewDispatcherMetrics creates and registers dispatcher metrics with the given registerer.
func NewDispatcherMetrics(registerer prometheus.Registerer) *DispatcherMetrics {
	m := &DispatcherMetrics{
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "projection_events_processed_total",
				Help:      "Total number of feed events handled by a projection",
			},
			[]string{"projection", "status"}, // status: applied/skipped/dead_lettered
		),
		ApplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "projection_apply_duration_seconds",
				Help:      "Time to apply one event to a projection",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"projection"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "projection_retry_total",
				Help:      "Total number of retried projection applies",
			},
			[]string{"projection"},
		),
		Checkpoint: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "projection_checkpoint",
				Help:      "Last global sequence applied by a projection",
			},
			[]string{"projection"},
		),
		Lag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "projection_lag_events",
				Help:      "Head sequence minus checkpoint",
			},
			[]string{"projection"},
		),
		Halted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "projection_halted",
				Help:      "1 while a projection is halted on a failing event",
			},
			[]string{"projection"},
		),
		DeadLettersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letters_pending",
			Help:      "Dead letters waiting for an operator",
		}),
		PollBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "projection_poll_batch_size",
			Help:      "Number of events retrieved in each feed poll",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	registerer.MustRegister(
		m.EventsProcessed,
		m.ApplyDuration,
		m.RetryTotal,
		m.Checkpoint,
		m.Lag,
		m.Halted,
		m.DeadLettersPending,
		m.PollBatchSize,
	)

	return m
}
