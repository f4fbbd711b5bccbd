package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "khub_circuit_breaker_state",
		Help: "Circuit breaker state by component (1 for the active state, 0 otherwise)",
	}, []string{"component", "state"})

	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "khub_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"component", "reason"})

	RouterPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "khub_router_publish_total",
		Help: "Events delivered by the hybrid router, by transport",
	}, []string{"transport"})

	RouterFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "khub_router_fallback_total",
		Help: "Events delivered in-process after a durable transport failure",
	})

	RouterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "khub_router_failure_total",
		Help: "Publish attempts that failed, by transport",
	}, []string{"transport"})

	FSMTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "khub_fsm_transitions_total",
		Help: "Transition requests by fsm type and outcome",
	}, []string{"fsm_type", "outcome"})

	FSMTransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "khub_fsm_transition_duration_seconds",
		Help:    "Latency of transition requests including storage round-trips",
		Buckets: prometheus.DefBuckets,
	}, []string{"fsm_type"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a component.
func SetCircuitBreakerState(component, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(component, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(component, reason string) {
	CircuitBreakerTrips.WithLabelValues(component, reason).Inc()
}

// RecordTransition counts one transition outcome.
func RecordTransition(fsmType, outcome string, seconds float64) {
	FSMTransitions.WithLabelValues(fsmType, outcome).Inc()
	FSMTransitionDuration.WithLabelValues(fsmType).Observe(seconds)
}
