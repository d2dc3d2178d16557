// Package metrics holds the Prometheus collectors of the consistency core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeConfirmed         = "confirmed"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeInsufficientCart  = "insufficient_cart_amount"
	OutcomeConflict          = "conflict"
	OutcomeNetwork           = "network_error"
	OutcomeTimeout           = "timeout"
	OutcomeUnauthorized      = "unauthorized"
	OutcomeRejected          = "rejected"
)

// Metrics groups the collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	operations     *prometheus.CounterVec
	inflight       prometheus.Gauge
	queued         prometheus.Gauge
	settleDuration *prometheus.HistogramVec
	droppedReplies *prometheus.CounterVec
	rollbacks      prometheus.Counter
	resyncs        *prometheus.CounterVec
	sweptKeys      prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cartcore_reservation_operations_total",
			Help: "Reservation operations by kind and outcome",
		}, []string{"kind", "outcome"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "cartcore_reservation_inflight",
			Help: "Operations waiting for the authority",
		}),
		queued: f.NewGauge(prometheus.GaugeOpts{
			Name: "cartcore_reservation_queued",
			Help: "Operations queued behind an in-flight operation on the same key",
		}),
		settleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cartcore_reservation_settle_duration_seconds",
			Help:    "Time from dispatch to settlement",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		droppedReplies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cartcore_authority_replies_dropped_total",
			Help: "Authority replies discarded as stale or duplicate",
		}, []string{"reason"}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "cartcore_reservation_rollbacks_total",
			Help: "Optimistic deltas reversed after a failed operation",
		}),
		resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cartcore_resyncs_total",
			Help: "Refreshes of ledger state from the authority",
		}, []string{"result"}),
		sweptKeys: f.NewCounter(prometheus.CounterOpts{
			Name: "cartcore_idle_keys_swept_total",
			Help: "Idle per-key coordinator states removed",
		}),
	}
}

// ObserveOperation records a finished operation.
func (m *Metrics) ObserveOperation(kind, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
}

// ObserveSettle records the dispatch-to-settlement latency.
func (m *Metrics) ObserveSettle(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.settleDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// AddInflight adjusts the in-flight gauge.
func (m *Metrics) AddInflight(n int) {
	if m == nil {
		return
	}
	m.inflight.Add(float64(n))
}

// AddQueued adjusts the queued gauge.
func (m *Metrics) AddQueued(n int) {
	if m == nil {
		return
	}
	m.queued.Add(float64(n))
}

// IncDropped counts a discarded authority reply.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedReplies.WithLabelValues(reason).Inc()
}

// IncRollback counts a rollback.
func (m *Metrics) IncRollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// IncResync counts a resync attempt by result.
func (m *Metrics) IncResync(result string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(result).Inc()
}

// AddSwept counts removed idle keys.
func (m *Metrics) AddSwept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweptKeys.Add(float64(n))
}
