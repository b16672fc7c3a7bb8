package reservation

import "github.com/prometheus/client_golang/prometheus"

var reservationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardrail",
	Name:      "reservations_total",
	Help:      "Reservation state transitions by target state.",
}, []string{"transition"})

func init() {
	prometheus.MustRegister(reservationsTotal)
}

func observeTransition(to State) {
	reservationsTotal.WithLabelValues(string(to)).Inc()
}
