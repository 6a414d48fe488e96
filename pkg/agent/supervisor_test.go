package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/playbook"
)

// supervisorContext seeds the post-policy state; tests append a resolution
// decision to move the checkpoint.
func supervisorContext(policyDecision models.AgentDecision) *StageContext {
	sctx := &StageContext{Pack: financePack(), Policy: financePolicy()}
	sctx.SetDecision(models.StageTriage, models.AgentDecision{
		Decision:   "SETTLEMENT_FAIL",
		Confidence: 0.85,
	})
	sctx.SetDecision(models.StagePolicy, policyDecision)
	return sctx
}

func allowDecision() models.AgentDecision {
	return models.AgentDecision{
		Decision:   models.PolicyAllow,
		Confidence: 0.9,
		NextStep:   models.NextStepProceedToResolution,
	}
}

func TestSupervisor_ApprovesPostPolicy(t *testing.T) {
	exc := approvedException()
	sctx := supervisorContext(allowDecision())
	sup := NewSupervisor(nil, WithLogger(discardLog()))

	d, err := sup.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, models.SupervisorApprovedFlow, d.Decision)
	assert.Equal(t, models.NextStepProceedToResolution, d.NextStep)
	assert.Equal(t, CheckpointPostPolicy, d.Metadata[MetaCheckpoint])
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
}

func TestSupervisor_ApprovesPostResolution(t *testing.T) {
	exc := approvedException()
	sctx := supervisorContext(allowDecision())
	sctx.SetDecision(models.StageResolution, models.AgentDecision{
		Decision:   ResolutionExecute,
		Confidence: 0.85,
		NextStep:   models.NextStepComplete,
	})
	sup := NewSupervisor(nil, WithLogger(discardLog()))

	d, err := sup.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, models.SupervisorApprovedFlow, d.Decision)
	assert.Equal(t, models.NextStepComplete, d.NextStep)
	assert.Equal(t, CheckpointPostResolution, d.Metadata[MetaCheckpoint])
}

func TestSupervisor_EscalatesHaltedRun(t *testing.T) {
	exc := approvedException()
	sctx := supervisorContext(allowDecision())
	rd := models.AgentDecision{
		Decision:   ResolutionExecute,
		Confidence: 0.85,
		NextStep:   models.NextStepEscalate,
	}
	rd = rd.WithMeta(MetaRunReport, &playbook.RunReport{
		Steps: []playbook.StepResult{
			{StepNumber: 1, Status: playbook.StepSuccess},
			{StepNumber: 2, Status: playbook.StepSkipped, Halt: true},
		},
		Halted: true,
	})
	sctx.SetDecision(models.StageResolution, rd)
	sup := NewSupervisor(nil, WithLogger(discardLog()))

	d, err := sup.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, models.SupervisorEscalated, d.Decision)
	assert.Equal(t, models.NextStepEscalate, d.NextStep)
	assert.Contains(t, d.Evidence, "playbook run halted before completion; human follow-up required")
}

func TestSupervisor_EscalatesHighSeverityBlock(t *testing.T) {
	exc := approvedException()
	exc.Severity = models.SeverityCritical
	sctx := supervisorContext(models.AgentDecision{
		Decision:   models.PolicyBlock,
		Confidence: 0.9,
		NextStep:   models.NextStepBlock,
	})
	sup := NewSupervisor(nil, WithLogger(discardLog()))

	d, err := sup.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, models.SupervisorEscalated, d.Decision)
	assert.Equal(t, models.NextStepEscalate, d.NextStep)
	assert.Contains(t, d.Evidence, "policy blocked a CRITICAL exception; escalating for human review")
}

func TestSupervisor_LowSeverityBlockStands(t *testing.T) {
	exc := approvedException()
	exc.Severity = models.SeverityLow
	sctx := supervisorContext(models.AgentDecision{
		Decision:   models.PolicyBlock,
		Confidence: 0.9,
		NextStep:   models.NextStepBlock,
	})
	sup := NewSupervisor(nil, WithLogger(discardLog()))

	d, err := sup.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	// The block itself is sound; the flow is approved and routes along it.
	assert.Equal(t, models.SupervisorApprovedFlow, d.Decision)
	assert.Equal(t, models.NextStepBlock, d.NextStep)
}

// Critical severity alone is handled by the execution gates, not by the
// supervisor: an allowed critical flow stays approved.
func TestSupervisor_CriticalSeverityAloneApproved(t *testing.T) {
	exc := approvedException()
	exc.Severity = models.SeverityCritical
	sctx := supervisorContext(allowDecision())
	sup := NewSupervisor(nil, WithLogger(discardLog()))

	d, err := sup.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, models.SupervisorApprovedFlow, d.Decision)
}

func TestSupervisor_IntervenesOnCollapsedConfidence(t *testing.T) {
	exc := approvedException()
	sctx := supervisorContext(allowDecision())
	sctx.SetDecision(models.StageTriage, models.AgentDecision{
		Decision:   "SETTLEMENT_FAIL",
		Confidence: 0.3,
	})
	sup := NewSupervisor(nil, WithLogger(discardLog()))

	d, err := sup.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, models.SupervisorIntervened, d.Decision)
	assert.Equal(t, models.NextStepPendingApproval, d.NextStep)
	assert.Contains(t, d.Evidence, "chain confidence 0.30 is far below approval threshold 0.80")
}

func TestSupervisor_LLMCannotRelaxRuling(t *testing.T) {
	caller := &fakeCaller{output: map[string]any{
		"ruling":     models.SupervisorApprovedFlow,
		"confidence": 0.99,
	}}
	exc := approvedException()
	sctx := supervisorContext(allowDecision())
	rd := models.AgentDecision{Decision: ResolutionExecute, Confidence: 0.85}
	rd = rd.WithMeta(MetaRunReport, &playbook.RunReport{Halted: true})
	sctx.SetDecision(models.StageResolution, rd)
	sup := NewSupervisor(caller, WithLogger(discardLog()))

	d, err := sup.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, models.SupervisorEscalated, d.Decision)
	assert.InDelta(t, 0.9*0.9, d.Confidence, 1e-9)
	assert.Contains(t, d.Evidence, "model proposed APPROVED_FLOW; rule ruling stands")
}

func TestSupervisor_LLMTightensRuling(t *testing.T) {
	caller := &fakeCaller{output: map[string]any{
		"ruling":     models.SupervisorIntervened,
		"confidence": 0.95,
		"reasoning":  "retry storm risk across the settlement window",
	}}
	exc := approvedException()
	sctx := supervisorContext(allowDecision())
	sup := NewSupervisor(caller, WithLogger(discardLog()))

	d, err := sup.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, models.SupervisorIntervened, d.Decision)
	assert.Equal(t, models.NextStepPendingApproval, d.NextStep)
	assert.InDelta(t, 0.9*0.9, d.Confidence, 1e-9)
	assert.Contains(t, d.Evidence, "model tightened ruling to INTERVENED")
	assert.Contains(t, d.Evidence, "summary: retry storm risk across the settlement window")
}
