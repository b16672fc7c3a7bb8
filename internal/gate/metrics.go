package gate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/guardrail/internal/policy"
)

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardrail",
	Name:      "gate_decisions_total",
	Help:      "Gate evaluations by decision and enforcement mode.",
}, []string{"decision", "mode"})

func init() {
	prometheus.MustRegister(decisionsTotal)
}

func observeDecision(res policy.Result) {
	decisionsTotal.WithLabelValues(string(res.Decision), string(res.Mode)).Inc()
}
