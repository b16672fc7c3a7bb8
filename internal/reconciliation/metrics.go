package reconciliation

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/guardrail/internal/amount"
)

var (
	driftOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardrail",
		Subsystem: "drift",
		Name:      "outcomes_total",
		Help:      "Reconciliation outcomes by status.",
	}, []string{"status"})

	driftAmount = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardrail",
		Subsystem: "drift",
		Name:      "amount_usd",
		Help:      "Absolute drift between reserved and actual cost, in USD.",
		Buckets:   []float64{0.01, 1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(driftOutcomes, driftAmount)
}

// Observe records an exception status and, when known, its drift.
func Observe(status Status, drift *big.Int) {
	driftOutcomes.WithLabelValues(string(status)).Inc()
	if drift != nil {
		driftAmount.WithLabelValues(string(status)).Observe(amount.ToFloat(amount.Abs(drift)))
	}
}
