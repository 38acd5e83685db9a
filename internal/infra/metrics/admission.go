package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(admissionDecisionsTotal, admissionInFlight, circuitOpen) }

var (
	admissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Gateway outcomes per call.",
		},
		// executed | idempotent_replay | dedupe_replay | capacity | circuit_open | timeout | provider_error
		[]string{"outcome"},
	)

	admissionInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_in_flight",
			Help: "Provider calls currently in flight in this process.",
		},
	)

	circuitOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_circuit_open",
			Help: "1 while the provider circuit breaker is open.",
		},
	)
)

func IncAdmission(outcome string) {
	admissionDecisionsTotal.WithLabelValues(norm(outcome)).Inc()
}

func SetInFlight(n int) { admissionInFlight.Set(float64(n)) }

func SetCircuitOpen(open bool) {
	if open {
		circuitOpen.Set(1)
		return
	}
	circuitOpen.Set(0)
}
