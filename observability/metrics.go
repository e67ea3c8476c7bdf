package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolMetrics aggregates the counters the daemon records for deposit,
// batching, settlement, and recovery activity.
type ProtocolMetrics struct {
	deposits    *prometheus.CounterVec
	depositSize *prometheus.HistogramVec
	batchCloses *prometheus.CounterVec
	settlements *prometheus.CounterVec
	refunds     prometheus.Counter
}

var (
	protocolMetricsOnce sync.Once
	protocolRegistry    *ProtocolMetrics
)

// Metrics returns the lazily-initialised protocol metrics registry.
func Metrics() *ProtocolMetrics {
	protocolMetricsOnce.Do(func() {
		protocolRegistry = &ProtocolMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dustfold",
				Subsystem: "tree",
				Name:      "deposits_total",
				Help:      "Total deposit attempts segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			depositSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dustfold",
				Subsystem: "tree",
				Name:      "deposit_value",
				Help:      "Settlement-value distribution of accepted deposits.",
				Buckets:   prometheus.ExponentialBuckets(1, 10, 8),
			}, []string{"asset"}),
			batchCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dustfold",
				Subsystem: "batch",
				Name:      "closes_total",
				Help:      "Batches closed segmented by asset and trigger reason.",
			}, []string{"asset", "reason"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dustfold",
				Subsystem: "liquidity",
				Name:      "settlements_total",
				Help:      "Batch settlements into the shared position segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "dustfold",
				Subsystem: "recovery",
				Name:      "refunds_processed_total",
				Help:      "Refund claims paid out by the recovery engine.",
			}),
		}
		prometheus.MustRegister(
			protocolRegistry.deposits,
			protocolRegistry.depositSize,
			protocolRegistry.batchCloses,
			protocolRegistry.settlements,
			protocolRegistry.refunds,
		)
	})
	return protocolRegistry
}

// ObserveDeposit records one deposit attempt.
func (m *ProtocolMetrics) ObserveDeposit(asset, outcome string, value float64) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(asset, outcome).Inc()
	if outcome == "accepted" && value > 0 {
		m.depositSize.WithLabelValues(asset).Observe(value)
	}
}

// ObserveBatchClose records a batch closure and its trigger reason.
func (m *ProtocolMetrics) ObserveBatchClose(asset, reason string) {
	if m == nil {
		return
	}
	m.batchCloses.WithLabelValues(asset, reason).Inc()
}

// ObserveSettlement records a settlement attempt for a closed batch.
func (m *ProtocolMetrics) ObserveSettlement(asset, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(asset, outcome).Inc()
}

// ObserveRefund records a processed refund claim.
func (m *ProtocolMetrics) ObserveRefund() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}
