package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics captures Prometheus collectors for outbound RPC activity and
// the confirmation poller.
type RelayMetrics struct {
	calls        *prometheus.CounterVec
	callLatency  *prometheus.HistogramVec
	pollAttempts *prometheus.HistogramVec
}

// EscrowMetrics records escrow lifecycle transitions.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
}

var (
	relayOnce     sync.Once
	relayRegistry *RelayMetrics

	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Relay returns the lazily-initialised relay metrics registry.
func Relay() *RelayMetrics {
	relayOnce.Do(func() {
		relayRegistry = &RelayMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solescrow",
				Subsystem: "relay",
				Name:      "rpc_calls_total",
				Help:      "Outbound RPC calls segmented by endpoint, method, and outcome.",
			}, []string{"endpoint", "method", "outcome"}),
			callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "solescrow",
				Subsystem: "relay",
				Name:      "rpc_call_duration_seconds",
				Help:      "Latency distribution for outbound RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "method"}),
			pollAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "solescrow",
				Subsystem: "relay",
				Name:      "poll_attempts",
				Help:      "Attempts consumed before the confirmation poller reached a terminal outcome.",
				Buckets:   []float64{1, 2, 3, 5, 10, 15, 30},
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			relayRegistry.calls,
			relayRegistry.callLatency,
			relayRegistry.pollAttempts,
		)
	})
	return relayRegistry
}

// ObserveCall records one outbound RPC attempt. Outcome should be "success"
// or a stable failure class.
func (m *RelayMetrics) ObserveCall(endpoint, method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.calls.WithLabelValues(endpoint, method, outcome).Inc()
	if duration > 0 {
		m.callLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	}
}

// ObservePoll records how many attempts a confirmation poll consumed.
func (m *RelayMetrics) ObservePoll(outcome string, attempts int) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.pollAttempts.WithLabelValues(outcome).Observe(float64(attempts))
}

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solescrow",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Committed escrow status transitions.",
			}, []string{"from", "to"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "solescrow",
				Subsystem: "escrow",
				Name:      "rejections_total",
				Help:      "Escrow operations rejected by a state or authorization guard.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(escrowRegistry.transitions, escrowRegistry.rejections)
	})
	return escrowRegistry
}

// RecordTransition increments the committed-transition counter.
func (m *EscrowMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordRejection increments the guard-rejection counter. Reasons should be
// stable strings such as "already_released" or "unauthorized".
func (m *EscrowMetrics) RecordRejection(operation, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}
