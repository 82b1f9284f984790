package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the stock ledger.
type Metrics struct {
	// Movement records written, by type (IN/OUT)
	Movements *prometheus.CounterVec

	// Movement quantities written, by type
	MovementQuantity *prometheus.CounterVec

	// Outbound results by outcome
	OutboundOutcome *prometheus.CounterVec

	// End-to-end latency of ledger operations
	OperationLatency *prometheus.HistogramVec
}

// New creates a Metrics instance registered with reg.
// Pass prometheus.DefaultRegisterer to expose on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Movements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_movements_total",
			Help: "Total movement records committed by type",
		}, []string{"type"}),

		MovementQuantity: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_movement_quantity_total",
			Help: "Total quantity moved by type",
		}, []string{"type"}),

		OutboundOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_outbound_outcomes_total",
			Help: "Outbound requests by outcome",
		}, []string{"outcome"}), // outcome: "success", "insufficient", "conflict", "error"

		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lotledger_operation_duration_seconds",
			Help:    "Duration of ledger operations including the transaction",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
	}
}

// ObserveMovement records one committed movement.
func (m *Metrics) ObserveMovement(movementType string, quantity int) {
	if m != nil {
		m.Movements.WithLabelValues(movementType).Inc()
		m.MovementQuantity.WithLabelValues(movementType).Add(float64(quantity))
	}
}

func (m *Metrics) IncrementOutbound(outcome string) {
	if m != nil {
		m.OutboundOutcome.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveLatency(op string, d time.Duration) {
	if m != nil {
		m.OperationLatency.WithLabelValues(op).Observe(d.Seconds())
	}
}
