package escrow

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for escrow operations.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	CustodyVolume     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which keeps tests free of global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_operations_total",
				Help: "Escrow operations by outcome",
			},
			[]string{"operation", "outcome"}, // outcome: ok, rejected, transfer_failed, error
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_operation_duration_seconds",
				Help:    "Latency of escrow operations including guard wait",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		CustodyVolume: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_custody_volume_total",
				Help: "Amount moved into or out of custody",
			},
			[]string{"direction"}, // direction: in, out
		),
	}
}

func (m *Metrics) observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	m.OperationsTotal.WithLabelValues(operation, outcome(err)).Inc()
}

func (m *Metrics) custody(direction string, amount uint64) {
	if m == nil || amount == 0 {
		return
	}
	m.CustodyVolume.WithLabelValues(direction).Add(float64(amount))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case IsRejection(err):
		return "rejected"
	default:
		return "error"
	}
}
