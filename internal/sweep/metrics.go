package sweep

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardrail",
		Name:      "sweep_runs_total",
		Help:      "Sweep runs by outcome.",
	}, []string{"outcome"})

	closedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardrail",
		Name:      "sweep_released_total",
		Help:      "Reservations closed by the sweep, by action.",
	}, []string{"action"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardrail",
		Name:      "sweep_duration_seconds",
		Help:      "Sweep run latency.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	leaseSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardrail",
		Name:      "sweep_lease_skips_total",
		Help:      "Periodic sweeps skipped because another replica held the lease.",
	})
)

func init() {
	prometheus.MustRegister(runsTotal, closedTotal, runDuration, leaseSkips)
}

func observeRun(outcome string, res *Result, d time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(d.Seconds())
	if res == nil {
		return
	}
	closedTotal.WithLabelValues("released").Add(float64(res.ReleasedCount))
	closedTotal.WithLabelValues("reconciled").Add(float64(res.ReconciledCount))
	closedTotal.WithLabelValues("skipped").Add(float64(res.Skipped))
	closedTotal.WithLabelValues("failed").Add(float64(res.Failed))
}
