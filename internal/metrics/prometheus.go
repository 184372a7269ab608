package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for the benchmark.
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	// Admission
	Goodput         prometheus.Gauge
	Outstanding     prometheus.Gauge
	UnitsDispatched prometheus.Counter
	SessionBatches  *prometheus.CounterVec
	PollFailures    prometheus.Counter
	PollLatency     prometheus.Histogram

	// Block production
	BlockCalls   *prometheus.CounterVec
	BlockLatency prometheus.Histogram

	// Round lifecycle
	RoundState    *prometheus.GaugeVec
	PhaseDuration *prometheus.HistogramVec

	// Error tracking
	ErrorsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		Goodput: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goodputbench_goodput",
				Help: "Last goodput value reported by the node",
			},
		),

		Outstanding: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goodputbench_outstanding_units",
				Help: "Units dispatched but not yet reflected in goodput",
			},
		),

		UnitsDispatched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "goodputbench_units_dispatched_total",
				Help: "Transactions handed to peer sessions",
			},
		),

		SessionBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goodputbench_session_batches_total",
				Help: "Batches written per peer session",
			},
			[]string{"session"},
		),

		PollFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "goodputbench_goodput_poll_failures_total",
				Help: "Failed goodput polls",
			},
		),

		PollLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "goodputbench_goodput_poll_seconds",
				Help:    "Goodput poll round-trip latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),

		BlockCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goodputbench_block_production_calls_total",
				Help: "Block production requests by outcome",
			},
			[]string{"status"},
		),

		BlockLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "goodputbench_block_production_seconds",
				Help:    "Block production call latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		RoundState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "goodputbench_round_state",
				Help: "Current round state (1 if active, 0 otherwise)",
			},
			[]string{"state"},
		),

		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goodputbench_phase_seconds",
				Help:    "Phase duration by kind and sub-phase",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"kind", "step"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goodputbench_errors_total",
				Help: "Errors by category",
			},
			[]string{"category"},
		),
	}
}

// SetGoodput records the latest goodput and the resulting outstanding units.
func (m *PrometheusMetrics) SetGoodput(goodput, dispatched uint64) {
	if m == nil {
		return
	}
	m.Goodput.Set(float64(goodput))
	if dispatched > goodput {
		m.Outstanding.Set(float64(dispatched - goodput))
	} else {
		m.Outstanding.Set(0)
	}
}

// RecordDispatch records one batch written to a session.
func (m *PrometheusMetrics) RecordDispatch(session int, units uint64) {
	if m == nil {
		return
	}
	m.UnitsDispatched.Add(float64(units))
	m.SessionBatches.WithLabelValues(strconv.Itoa(session)).Inc()
}

// RecordPoll records one goodput poll.
func (m *PrometheusMetrics) RecordPoll(success bool, latencySeconds float64) {
	if m == nil {
		return
	}
	if !success {
		m.PollFailures.Inc()
	}
	m.PollLatency.Observe(latencySeconds)
}

// RecordBlockCall records one block production call.
func (m *PrometheusMetrics) RecordBlockCall(success bool, latencySeconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.BlockCalls.WithLabelValues(status).Inc()
	m.BlockLatency.Observe(latencySeconds)
}

// RecordPhase records the duration of one phase step ("send" or "wait").
func (m *PrometheusMetrics) RecordPhase(kind, step string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(kind, step).Observe(seconds)
}

// RecordError records an error.
func (m *PrometheusMetrics) RecordError(category string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(category).Inc()
}

var roundStates = []string{"idle", "warming_up", "measuring", "draining", "done", "failed"}

// SetRoundState updates the round state gauges.
func (m *PrometheusMetrics) SetRoundState(state string) {
	if m == nil {
		return
	}
	for _, s := range roundStates {
		if s == state {
			m.RoundState.WithLabelValues(s).Set(1)
		} else {
			m.RoundState.WithLabelValues(s).Set(0)
		}
	}
}

// Reset resets per-round metrics.
// Histograms and counters are cumulative by design and are left alone.
func (m *PrometheusMetrics) Reset() {
	if m == nil {
		return
	}
	m.SessionBatches.Reset()
	m.Goodput.Set(0)
	m.Outstanding.Set(0)
	m.SetRoundState("idle")
}
