package agent

import (
	"context"
	"fmt"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/playbook"
	"github.com/exceptionops/remsy/pkg/tools"
)

// Resolution stage verdicts.
const (
	ResolutionExecute  = "EXECUTE_PLAYBOOK"
	ResolutionDraft    = "SUGGEST_DRAFT_PLAYBOOK"
	ResolutionNoAction = "NO_ACTION"
)

const (
	resolutionExecuteConfidence  = 0.85
	resolutionDraftConfidence    = 0.6
	resolutionNoActionConfidence = 0.9
)

// PlanStep is one entry of the execution plan Resolution prepares from the
// selected playbook, with placeholders resolved and the allow-list verdict
// recorded per step.
type PlanStep struct {
	StepNumber int            `json:"stepNumber"`
	Action     string         `json:"action"`
	Tool       string         `json:"tool,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Unresolved []string       `json:"unresolved,omitempty"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason,omitempty"`
}

// ResolutionAgent turns the policy verdict into an execution plan and, when
// an engine is attached, drives the playbook run. The LLM contributes
// ordering rationale and expected outcomes only; it cannot change which
// tools execute or in what order.
type ResolutionAgent struct {
	base
	engine *playbook.Engine
}

// NewResolution builds the resolution stage. A nil engine leaves the stage
// in planning mode: plans are prepared and reported but never executed.
func NewResolution(caller LLMCaller, engine *playbook.Engine, opts ...Option) *ResolutionAgent {
	return &ResolutionAgent{
		base:   newBase(models.StageResolution, caller, opts...),
		engine: engine,
	}
}

// Process routes on the actionability Policy recorded: approved processes
// get a plan (and a run, when an engine is attached), allowed-but-unapproved
// ones get a draft suggestion, everything else completes without action.
func (r *ResolutionAgent) Process(ctx context.Context, exc *models.Exception, sctx *StageContext) (models.AgentDecision, error) {
	pd, ok := sctx.Decision(models.StagePolicy)
	if !ok {
		return models.AgentDecision{}, fmt.Errorf("resolution requires a policy decision for exception %s", exc.ExceptionID)
	}
	actionability, _ := models.GetString(pd.Metadata, MetaActionability)

	var (
		d   models.AgentDecision
		err error
	)
	switch models.Actionability(actionability) {
	case models.ActionableApproved:
		d, err = r.executePlan(ctx, exc, sctx)
		if err != nil {
			return models.AgentDecision{}, err
		}
	case models.ActionableNonApproved:
		d = r.suggestDraft(ctx, exc, sctx)
	default:
		d = models.AgentDecision{
			Decision:   ResolutionNoAction,
			Confidence: resolutionNoActionConfidence,
			Evidence:   []string{"informational or blocked exception; no plan prepared"},
			NextStep:   models.NextStepComplete,
		}
	}

	r.auditDecision(ctx, exc, d, nil)
	r.log.Info("Resolution completed",
		"exception_id", exc.ExceptionID,
		"tenant_id", exc.TenantID,
		"decision", d.Decision,
		"next_step", d.NextStep)
	return d, nil
}

func (r *ResolutionAgent) executePlan(ctx context.Context, exc *models.Exception, sctx *StageContext) (models.AgentDecision, error) {
	pb := sctx.Playbook
	if pb == nil {
		return models.AgentDecision{}, fmt.Errorf("approved process for exception %s has no playbook attached", exc.ExceptionID)
	}
	plan := buildPlan(exc, sctx, pb)

	d := models.AgentDecision{
		Decision:   ResolutionExecute,
		Confidence: resolutionExecuteConfidence,
		Evidence: []string{
			fmt.Sprintf("prepared %d-step plan from playbook %s", len(plan), pb.PlaybookID),
		},
		NextStep: models.NextStepComplete,
	}
	denied := 0
	for _, ps := range plan {
		if !ps.Allowed {
			denied++
			d.Evidence = append(d.Evidence,
				fmt.Sprintf("step %d tool %s is not allow-listed: %s", ps.StepNumber, ps.Tool, ps.Reason))
		}
	}
	if denied > 0 {
		d = d.WithMeta(MetaViolations, denied)
	}

	res, called := r.callLLM(ctx, exc, buildResolutionPrompt(exc, sctx, pb), func() map[string]any {
		return map[string]any{
			"summary":    fmt.Sprintf("execute approved playbook %s (%d steps)", pb.PlaybookID, len(plan)),
			"confidence": resolutionExecuteConfidence,
		}
	})
	if called && res.Fallback == nil {
		d.Evidence = appendAdvisory(d.Evidence, res.Output)
	}
	if called {
		d = applyFallback(d, res.Fallback)
	}

	d = d.WithMeta(MetaPlan, plan)
	d = d.WithMeta(MetaPlaybookID, pb.PlaybookID)

	if r.engine != nil {
		report := r.engine.ExecutePlaybook(ctx, playbook.RunInput{
			Exception:  exc,
			Playbook:   pb,
			Policy:     sctx.Policy,
			Pack:       sctx.Pack,
			Guardrails: sctx.Guardrails,
			Gates: playbook.GateInput{
				Actionability: models.ActionableApproved,
				Confidence:    sctx.ChainConfidence(),
			},
			DryRun: sctx.DryRun,
		})
		d = d.WithMeta(MetaRunReport, report)
		switch report.Outcome() {
		case models.StatusEscalated:
			d.NextStep = models.NextStepEscalate
			d.Evidence = append(d.Evidence, "playbook run halted before completion")
		case models.StatusNeedsApproval:
			d.NextStep = models.NextStepPendingApproval
			d.Evidence = append(d.Evidence, "playbook run gated on human approval")
		}
	}
	return d, nil
}

func (r *ResolutionAgent) suggestDraft(ctx context.Context, exc *models.Exception, sctx *StageContext) models.AgentDecision {
	pb := sctx.Playbook
	d := models.AgentDecision{
		Decision:   ResolutionDraft,
		Confidence: resolutionDraftConfidence,
		Evidence:   []string{"no tenant-approved playbook; draft prepared for human review"},
		NextStep:   models.NextStepPendingApproval,
	}
	if pb != nil {
		d = d.WithMeta(MetaDraftPlaybook, pb)
		d = d.WithMeta(MetaPlaybookID, pb.PlaybookID)
		d.Evidence = append(d.Evidence,
			fmt.Sprintf("draft based on domain playbook %s", pb.PlaybookID))
	}

	res, called := r.callLLM(ctx, exc, buildResolutionPrompt(exc, sctx, pb), func() map[string]any {
		return map[string]any{
			"summary":    "suggest draft playbook for tenant review",
			"confidence": resolutionDraftConfidence,
		}
	})
	if called && res.Fallback == nil {
		d.Evidence = appendAdvisory(d.Evidence, res.Output)
	}
	if called {
		d = applyFallback(d, res.Fallback)
	}
	return d
}

// buildPlan resolves placeholders and checks the allow-list for every step.
// Unresolvable placeholders stay literal and are listed on the step rather
// than failing the plan.
func buildPlan(exc *models.Exception, sctx *StageContext, pb *models.Playbook) []PlanStep {
	plan := make([]PlanStep, 0, len(pb.Steps))
	for i := range pb.Steps {
		step := &pb.Steps[i]
		params, unresolved := playbook.ResolveParams(exc, step.Parameters)
		ps := PlanStep{
			StepNumber: i + 1,
			Action:     step.Action,
			Params:     params,
			Unresolved: unresolved,
			Allowed:    true,
		}
		if tool := step.ToolName(); tool != "" {
			ps.Tool = tool
			if err := tools.CheckAllowed(sctx.Policy, sctx.Pack, tool); err != nil {
				ps.Allowed = false
				ps.Reason = err.Error()
			}
		}
		plan = append(plan, ps)
	}
	return plan
}

// appendAdvisory folds the model's rationale into the evidence trail. The
// advisory output never alters the plan itself.
func appendAdvisory(evidence []string, out map[string]any) []string {
	if v, err := models.GetString(out, "ordering_rationale"); err == nil && v != "" {
		evidence = append(evidence, "ordering: "+v)
	}
	if v, err := models.GetString(out, "expected_outcome"); err == nil && v != "" {
		evidence = append(evidence, "expected outcome: "+v)
	}
	if rsn := reasoningFromOutput(out); !rsn.IsZero() {
		evidence = append(evidence, rsn.Flatten()...)
	}
	return evidence
}
