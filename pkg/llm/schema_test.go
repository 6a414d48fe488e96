package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/models"
)

func TestParseStageOutput_ValidTriage(t *testing.T) {
	out, err := ParseStageOutput(SchemaTriage, `{
		"exception_type": "SETTLEMENT_FAIL",
		"severity": "HIGH",
		"confidence": 0.85,
		"reasoning": "error code matches settlement failure"
	}`)
	require.NoError(t, err)

	assert.Equal(t, "SETTLEMENT_FAIL", out["exception_type"])
	assert.Equal(t, "HIGH", out["severity"])
	assert.Equal(t, 0.85, out["confidence"])
}

func TestParseStageOutput_FencedOutput(t *testing.T) {
	out, err := ParseStageOutput(SchemaPolicy,
		"Decision follows.\n```json\n{\"decision\": \"ALLOW\", \"confidence\": 0.9}\n```")
	require.NoError(t, err)

	assert.Equal(t, "ALLOW", out["decision"])
}

func TestParseStageOutput_DropsUnknownFields(t *testing.T) {
	out, err := ParseStageOutput(SchemaTriage, `{
		"exception_type": "SETTLEMENT_FAIL",
		"severity": "HIGH",
		"confidence": 0.8,
		"mystery_field": "should vanish",
		"internal_state": {"nested": true}
	}`)
	require.NoError(t, err)

	assert.NotContains(t, out, "mystery_field")
	assert.NotContains(t, out, "internal_state")
	assert.Equal(t, "SETTLEMENT_FAIL", out["exception_type"])
}

func TestParseStageOutput_ClampsConfidence(t *testing.T) {
	t.Run("above one", func(t *testing.T) {
		out, err := ParseStageOutput(SchemaPolicy, `{"decision": "ALLOW", "confidence": 2.5}`)
		require.NoError(t, err)
		assert.Equal(t, 1.0, out["confidence"])
	})

	t.Run("below zero", func(t *testing.T) {
		out, err := ParseStageOutput(SchemaPolicy, `{"decision": "BLOCK", "confidence": -0.2}`)
		require.NoError(t, err)
		assert.Equal(t, 0.0, out["confidence"])
	})
}

func TestParseStageOutput_MissingRequiredFieldIsNeverFilled(t *testing.T) {
	out, err := ParseStageOutput(SchemaTriage, `{"exception_type": "SETTLEMENT_FAIL", "confidence": 0.8}`)

	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, models.IsKind(err, models.KindValidationFailed))
}

func TestParseStageOutput_InvalidEnum(t *testing.T) {
	_, err := ParseStageOutput(SchemaTriage,
		`{"exception_type": "SETTLEMENT_FAIL", "severity": "URGENT", "confidence": 0.8}`)

	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidationFailed))
}

func TestParseStageOutput_NoJSON(t *testing.T) {
	_, err := ParseStageOutput(SchemaTriage, "I am sorry, I cannot classify this.")

	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidationFailed))
}

func TestParseStageOutput_WrongType(t *testing.T) {
	_, err := ParseStageOutput(SchemaTriage,
		`{"exception_type": "SETTLEMENT_FAIL", "severity": "HIGH", "confidence": "very sure"}`)

	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidationFailed))
}

func TestParseStageOutput_UnknownSchema(t *testing.T) {
	_, err := ParseStageOutput("astrology", `{"confidence": 0.5}`)

	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindFatal))
}

func TestParseStageOutput_SupervisorRuling(t *testing.T) {
	out, err := ParseStageOutput(SchemaSupervisor, `{
		"ruling": "ESCALATED",
		"confidence": 0.7,
		"applied_guardrails": ["severity_ceiling"]
	}`)
	require.NoError(t, err)

	assert.Equal(t, "ESCALATED", out["ruling"])
}

func TestParseStageOutput_ResolutionSteps(t *testing.T) {
	out, err := ParseStageOutput(SchemaResolution, `{
		"summary": "retry the settlement",
		"confidence": 0.8,
		"steps": [
			{"step_order": 1, "action": "getSettlement", "rationale": "confirm state"},
			{"step_order": 2, "action": "triggerSettlementRetry"}
		]
	}`)
	require.NoError(t, err)

	steps, ok := out["steps"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 2)
}
