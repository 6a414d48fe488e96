// Package metrics defines the Prometheus metrics for the platform.
//
// All metrics are registered with the default registry and served on the
// HTTP server's /metrics endpoint.
//
// Two naming groups exist: the LLM routing fabric metrics keep their
// llm_ names because dashboards key on them across deployments, and
// service-level metrics carry the remsy_ prefix. Counters end in _total,
// duration histograms in _seconds. Empty label values are normalized to
// the literal "unknown".
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LLMProviderSelectionTotal counts provider selections by routing key.
	LLMProviderSelectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_provider_selection_total",
			Help: "Total LLM provider selections by tenant, domain, provider, and model.",
		},
		[]string{"tenant_id", "domain", "provider", "model"},
	)

	// LLMFallbackEventsTotal counts provider-to-provider fallback transitions.
	LLMFallbackEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_fallback_events_total",
			Help: "Total LLM fallback transitions by tenant, domain, and provider pair.",
		},
		[]string{"tenant_id", "domain", "from_provider", "to_provider"},
	)

	// LLMRoutingDecisionSeconds is a histogram of routing resolution latency.
	LLMRoutingDecisionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_routing_decision_seconds",
			Help:    "Latency of LLM routing decisions in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"tenant_id", "domain"},
	)

	// ExceptionsIngestedTotal counts ingested exceptions by tenant and domain.
	ExceptionsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remsy_exceptions_ingested_total",
			Help: "Total exceptions ingested by tenant and domain.",
		},
		[]string{"tenant_id", "domain"},
	)

	// PipelineStageSeconds is a histogram of agent stage duration.
	PipelineStageSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remsy_pipeline_stage_seconds",
			Help:    "Duration of agent pipeline stages in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// StepsExecutedTotal counts playbook step outcomes by tenant and status.
	StepsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remsy_steps_executed_total",
			Help: "Total playbook steps driven to a terminal status, by tenant and status.",
		},
		[]string{"tenant_id", "status"},
	)

	// BreakerTransitionsTotal counts circuit breaker state transitions.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remsy_breaker_transitions_total",
			Help: "Total circuit breaker state transitions by agent, tenant, and target state.",
		},
		[]string{"agent", "tenant_id", "to_state"},
	)
)

func init() {
	prometheus.MustRegister(
		LLMProviderSelectionTotal,
		LLMFallbackEventsTotal,
		LLMRoutingDecisionSeconds,
		ExceptionsIngestedTotal,
		PipelineStageSeconds,
		StepsExecutedTotal,
		BreakerTransitionsTotal,
	)
}

// RecordProviderSelection records one routing decision outcome.
func RecordProviderSelection(tenantID, domain, provider, model string) {
	LLMProviderSelectionTotal.WithLabelValues(
		normalize(tenantID), normalize(domain), normalize(provider), normalize(model)).Inc()
}

// RecordFallbackEvent records one provider-to-provider fallback transition.
func RecordFallbackEvent(tenantID, domain, fromProvider, toProvider string) {
	LLMFallbackEventsTotal.WithLabelValues(
		normalize(tenantID), normalize(domain), normalize(fromProvider), normalize(toProvider)).Inc()
}

// ObserveRoutingDecision records the latency of one routing resolution.
func ObserveRoutingDecision(tenantID, domain string, elapsed time.Duration) {
	LLMRoutingDecisionSeconds.WithLabelValues(normalize(tenantID), normalize(domain)).Observe(elapsed.Seconds())
}

// RecordExceptionIngested records one accepted exception.
func RecordExceptionIngested(tenantID, domain string) {
	ExceptionsIngestedTotal.WithLabelValues(normalize(tenantID), normalize(domain)).Inc()
}

// ObservePipelineStage records the duration of one agent stage run.
func ObservePipelineStage(stage string, elapsed time.Duration) {
	PipelineStageSeconds.WithLabelValues(normalize(stage)).Observe(elapsed.Seconds())
}

// RecordStepExecuted records a playbook step reaching a terminal status.
func RecordStepExecuted(tenantID, status string) {
	StepsExecutedTotal.WithLabelValues(normalize(tenantID), normalize(status)).Inc()
}

// RecordBreakerTransition records one circuit breaker state change.
func RecordBreakerTransition(agent, tenantID, toState string) {
	BreakerTransitionsTotal.WithLabelValues(normalize(agent), normalize(tenantID), normalize(toState)).Inc()
}

func normalize(label string) string {
	if label == "" {
		return "unknown"
	}
	return label
}
