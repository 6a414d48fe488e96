package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordProviderSelection(t *testing.T) {
	before := testutil.ToFloat64(LLMProviderSelectionTotal.WithLabelValues("TENANT_A", "Finance", "openrouter", "openai/gpt-4o"))

	RecordProviderSelection("TENANT_A", "Finance", "openrouter", "openai/gpt-4o")

	after := testutil.ToFloat64(LLMProviderSelectionTotal.WithLabelValues("TENANT_A", "Finance", "openrouter", "openai/gpt-4o"))
	assert.Equal(t, before+1, after)
}

func TestEmptyLabelsNormalizeToUnknown(t *testing.T) {
	before := testutil.ToFloat64(LLMProviderSelectionTotal.WithLabelValues("unknown", "unknown", "dummy", "unknown"))

	RecordProviderSelection("", "", "dummy", "")

	after := testutil.ToFloat64(LLMProviderSelectionTotal.WithLabelValues("unknown", "unknown", "dummy", "unknown"))
	assert.Equal(t, before+1, after)
}

func TestRecordFallbackEvent(t *testing.T) {
	before := testutil.ToFloat64(LLMFallbackEventsTotal.WithLabelValues("TENANT_A", "Finance", "openrouter", "openai"))

	RecordFallbackEvent("TENANT_A", "Finance", "openrouter", "openai")

	after := testutil.ToFloat64(LLMFallbackEventsTotal.WithLabelValues("TENANT_A", "Finance", "openrouter", "openai"))
	assert.Equal(t, before+1, after)
}

func TestRecordStepExecuted(t *testing.T) {
	before := testutil.ToFloat64(StepsExecutedTotal.WithLabelValues("TENANT_A", "SUCCESS"))

	RecordStepExecuted("TENANT_A", "SUCCESS")

	after := testutil.ToFloat64(StepsExecutedTotal.WithLabelValues("TENANT_A", "SUCCESS"))
	assert.Equal(t, before+1, after)
}

func TestObserveRoutingDecisionDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		ObserveRoutingDecision("TENANT_A", "Finance", 250*time.Microsecond)
		ObservePipelineStage("triage", 1200*time.Millisecond)
		RecordBreakerTransition("triage", "TENANT_A", "OPEN")
		RecordExceptionIngested("TENANT_A", "Finance")
	})
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "unknown", normalize(""))
	assert.Equal(t, "Finance", normalize("Finance"))
}
