package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardrail",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// LedgerOpDuration observes operation latency by type, retries included.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guardrail",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	casConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardrail",
			Name:      "ledger_cas_conflicts_total",
			Help:      "Compare-and-swap conflicts that forced a re-read, by operation.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(LedgerOpsTotal, LedgerOpDuration, casConflicts)
}

// observeOp returns a function that observes the operation's duration.
func observeOp(opType string) func() {
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func recordOutcome(opType string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientBudget):
		outcome = "insufficient"
	case errors.Is(err, ErrLedgerConflict):
		outcome = "conflict"
	case errors.Is(err, ErrScopeNotFound), errors.Is(err, ErrCreditNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	LedgerOpsTotal.WithLabelValues(opType, outcome).Inc()
}
