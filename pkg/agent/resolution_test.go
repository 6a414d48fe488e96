package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/playbook"
	"github.com/exceptionops/remsy/pkg/tools"
)

// resolutionContext seeds a stage context as the pipeline would after policy
// recorded the given actionability.
func resolutionContext(dp *models.DomainPack, pol *models.TenantPolicyPack, actionability models.Actionability) *StageContext {
	sctx := &StageContext{Pack: dp, Policy: pol}
	sctx.SetDecision(models.StageTriage, models.AgentDecision{
		Decision:   "SETTLEMENT_FAIL",
		Confidence: 0.85,
	})
	pd := models.AgentDecision{
		Decision:   models.PolicyAllow,
		Confidence: 0.9,
		NextStep:   models.NextStepProceedToResolution,
	}
	pd = pd.WithMeta(MetaActionability, string(actionability))
	sctx.SetDecision(models.StagePolicy, pd)
	if pb := dp.PlaybookFor("SETTLEMENT_FAIL"); pb != nil {
		sctx.Playbook = playbook.Compose(dp, "SETTLEMENT_FAIL", pb)
	}
	return sctx
}

func approvedException() *models.Exception {
	exc := settlementException()
	exc.ExceptionType = "SETTLEMENT_FAIL"
	exc.Severity = models.SeverityHigh
	return exc
}

func dryRunEngine() *playbook.Engine {
	return playbook.NewEngine(
		tools.NewInvoker(tools.WithLogger(discardLog())),
		playbook.WithLogger(discardLog()),
	)
}

func TestResolution_PlansApprovedProcess(t *testing.T) {
	exc := approvedException()
	sctx := resolutionContext(financePack(), financePolicy(), models.ActionableApproved)
	res := NewResolution(nil, nil, WithLogger(discardLog()))

	d, err := res.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, ResolutionExecute, d.Decision)
	assert.Equal(t, models.NextStepComplete, d.NextStep)
	assert.InDelta(t, 0.85, d.Confidence, 1e-9)

	plan, ok := d.Metadata[MetaPlan].([]PlanStep)
	require.True(t, ok)
	require.Len(t, plan, 2)
	assert.Equal(t, "getSettlement", plan[0].Tool)
	assert.Equal(t, "STL-9", plan[0].Params["settlementId"])
	assert.True(t, plan[0].Allowed)
	assert.Empty(t, plan[0].Unresolved)
	assert.Equal(t, 2, plan[1].StepNumber)

	// Planning mode: no engine, no run report.
	_, hasReport := d.Metadata[MetaRunReport]
	assert.False(t, hasReport)
}

func TestResolution_PlanFlagsUnapprovedTool(t *testing.T) {
	pol := financePolicy()
	pol.ApprovedTools = []string{"getSettlement"}
	exc := approvedException()
	sctx := resolutionContext(financePack(), pol, models.ActionableApproved)
	res := NewResolution(nil, nil, WithLogger(discardLog()))

	d, err := res.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	plan, ok := d.Metadata[MetaPlan].([]PlanStep)
	require.True(t, ok)
	require.Len(t, plan, 2)
	assert.True(t, plan[0].Allowed)
	assert.False(t, plan[1].Allowed)
	assert.Contains(t, plan[1].Reason, "not approved by the tenant policy")
	assert.Equal(t, 1, d.Metadata[MetaViolations])
}

func TestResolution_DryRunEngineExecutes(t *testing.T) {
	exc := approvedException()
	sctx := resolutionContext(financePack(), financePolicy(), models.ActionableApproved)
	sctx.DryRun = true
	res := NewResolution(nil, dryRunEngine(), WithLogger(discardLog()))

	d, err := res.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	report, ok := d.Metadata[MetaRunReport].(*playbook.RunReport)
	require.True(t, ok)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, playbook.StepSuccess, report.Steps[0].Status)
	assert.Equal(t, playbook.StepSuccess, report.Steps[1].Status)
	assert.False(t, report.Halted)
	assert.Equal(t, models.NextStepComplete, d.NextStep)
}

// A partially approved playbook executes up to the first unapproved tool,
// halts there, and the stage reroutes to escalation.
func TestResolution_HaltedRunEscalates(t *testing.T) {
	pol := financePolicy()
	pol.ApprovedTools = []string{"getSettlement"}
	exc := approvedException()
	sctx := resolutionContext(financePack(), pol, models.ActionableApproved)
	sctx.DryRun = true
	res := NewResolution(nil, dryRunEngine(), WithLogger(discardLog()))

	d, err := res.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	report, ok := d.Metadata[MetaRunReport].(*playbook.RunReport)
	require.True(t, ok)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, playbook.StepSuccess, report.Steps[0].Status)
	assert.Equal(t, playbook.StepSkipped, report.Steps[1].Status)
	assert.True(t, report.Halted)
	assert.Equal(t, models.NextStepEscalate, d.NextStep)
	assert.Contains(t, d.Evidence, "playbook run halted before completion")
}

func TestResolution_ApprovalGatedRunWaits(t *testing.T) {
	exc := approvedException()
	sctx := resolutionContext(financePack(), financePolicy(), models.ActionableApproved)
	sctx.SetDecision(models.StageTriage, models.AgentDecision{
		Decision:   "SETTLEMENT_FAIL",
		Confidence: 0.5,
	})
	sctx.DryRun = true
	res := NewResolution(nil, dryRunEngine(), WithLogger(discardLog()))

	d, err := res.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	report, ok := d.Metadata[MetaRunReport].(*playbook.RunReport)
	require.True(t, ok)
	assert.True(t, report.NeedsApproval)
	assert.False(t, report.Halted)
	assert.Equal(t, models.NextStepPendingApproval, d.NextStep)
}

func TestResolution_DraftForNonApprovedProcess(t *testing.T) {
	pol := financePolicy()
	pol.ApprovedTools = nil
	exc := approvedException()
	sctx := resolutionContext(financePack(), pol, models.ActionableNonApproved)
	res := NewResolution(nil, nil, WithLogger(discardLog()))

	d, err := res.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, ResolutionDraft, d.Decision)
	assert.Equal(t, models.NextStepPendingApproval, d.NextStep)
	assert.InDelta(t, 0.6, d.Confidence, 1e-9)

	draft, ok := d.Metadata[MetaDraftPlaybook].(*models.Playbook)
	require.True(t, ok)
	assert.Equal(t, "pb-settlement-fail", draft.PlaybookID)
}

func TestResolution_NoActionForNonActionable(t *testing.T) {
	exc := settlementException()
	exc.ExceptionType = "DATA_QUALITY"
	sctx := resolutionContext(financePack(), financePolicy(), models.NonActionable)
	sctx.Playbook = nil
	res := NewResolution(nil, nil, WithLogger(discardLog()))

	d, err := res.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Equal(t, ResolutionNoAction, d.Decision)
	assert.Equal(t, models.NextStepComplete, d.NextStep)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
}

func TestResolution_ErrorsWithoutPolicyDecision(t *testing.T) {
	exc := approvedException()
	sctx := &StageContext{Pack: financePack(), Policy: financePolicy()}
	res := NewResolution(nil, nil, WithLogger(discardLog()))

	_, err := res.Process(context.Background(), exc, sctx)
	require.Error(t, err)
}

func TestResolution_ErrorsWhenApprovedWithoutPlaybook(t *testing.T) {
	exc := approvedException()
	sctx := resolutionContext(financePack(), financePolicy(), models.ActionableApproved)
	sctx.Playbook = nil
	res := NewResolution(nil, nil, WithLogger(discardLog()))

	_, err := res.Process(context.Background(), exc, sctx)
	require.Error(t, err)
}

// The model's contribution is advisory: rationale lands in the evidence,
// the plan's tools and ordering stay rule-owned.
func TestResolution_AdvisoryEvidenceOnly(t *testing.T) {
	caller := &fakeCaller{output: map[string]any{
		"summary":            "fetch settlement state, then retry",
		"confidence":         0.95,
		"ordering_rationale": "read before write",
		"expected_outcome":   "settlement retried",
	}}
	exc := approvedException()
	sctx := resolutionContext(financePack(), financePolicy(), models.ActionableApproved)
	res := NewResolution(caller, nil, WithLogger(discardLog()))

	d, err := res.Process(context.Background(), exc, sctx)
	require.NoError(t, err)

	assert.Contains(t, d.Evidence, "ordering: read before write")
	assert.Contains(t, d.Evidence, "expected outcome: settlement retried")
	assert.Contains(t, d.Evidence, "summary: fetch settlement state, then retry")
	assert.InDelta(t, 0.85, d.Confidence, 1e-9)

	plan, ok := d.Metadata[MetaPlan].([]PlanStep)
	require.True(t, ok)
	require.Len(t, plan, 2)
	assert.Equal(t, "getSettlement", plan[0].Tool)
	assert.Equal(t, "triggerSettlementRetry", plan[1].Tool)
}
