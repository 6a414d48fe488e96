package agent

import (
	"context"
	"fmt"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/playbook"
)

// Supervisor checkpoints. The stage runs twice per pipeline pass: once
// after Policy and once after Resolution.
const (
	CheckpointPostPolicy     = "post_policy"
	CheckpointPostResolution = "post_resolution"
)

const (
	supervisorApproveConfidence   = 0.9
	supervisorInterveneConfidence = 0.85
	supervisorEscalateConfidence  = 0.9

	// lowChainConfidenceFactor scales the approval threshold down to the
	// point where the supervisor intervenes on its own.
	lowChainConfidenceFactor = 0.5
)

// SupervisorAgent reviews the decision chain at each checkpoint. Its rule
// core escalates halted runs and high-severity blocks, intervenes on
// collapsed chain confidence, and otherwise approves the flow. The LLM may
// tighten a ruling but never relax one.
type SupervisorAgent struct {
	base
}

// NewSupervisor builds the supervisor stage.
func NewSupervisor(caller LLMCaller, opts ...Option) *SupervisorAgent {
	return &SupervisorAgent{base: newBase(models.StageSupervisor, caller, opts...)}
}

type review struct {
	Ruling     string
	Confidence float64
	Evidence   []string
}

func (r review) output() map[string]any {
	return map[string]any{
		"ruling":     r.Ruling,
		"confidence": r.Confidence,
	}
}

// Process rules on the flow so far. The checkpoint is inferred from the
// stage context: a recorded resolution decision means post-resolution.
func (s *SupervisorAgent) Process(ctx context.Context, exc *models.Exception, sctx *StageContext) (models.AgentDecision, error) {
	upstream, postResolution := sctx.Decision(models.StageResolution)
	checkpoint := CheckpointPostPolicy
	if postResolution {
		checkpoint = CheckpointPostResolution
	} else {
		upstream, _ = sctx.Decision(models.StagePolicy)
	}

	rule := s.evaluate(exc, sctx, postResolution)
	merged := rule

	res, called := s.callLLM(ctx, exc, buildSupervisorPrompt(exc, sctx), rule.output)
	if called && res.Fallback == nil {
		merged = s.merge(rule, res.Output)
	}

	d := models.AgentDecision{
		Decision:   merged.Ruling,
		Confidence: models.ClampConfidence(merged.Confidence),
		Evidence:   merged.Evidence,
		NextStep:   supervisorNextStep(merged.Ruling, postResolution, upstream.NextStep),
	}
	d = d.WithMeta(MetaCheckpoint, checkpoint)
	if called {
		d = applyFallback(d, res.Fallback)
	}

	s.auditDecision(ctx, exc, d, map[string]any{MetaCheckpoint: checkpoint})
	s.log.Info("Supervisor ruled",
		"exception_id", exc.ExceptionID,
		"tenant_id", exc.TenantID,
		"checkpoint", checkpoint,
		"ruling", merged.Ruling,
		"confidence", d.Confidence)
	return d, nil
}

func (s *SupervisorAgent) evaluate(exc *models.Exception, sctx *StageContext, postResolution bool) review {
	if postResolution {
		if report := runReport(sctx); report != nil && report.Halted {
			return review{
				Ruling:     models.SupervisorEscalated,
				Confidence: supervisorEscalateConfidence,
				Evidence:   []string{"playbook run halted before completion; human follow-up required"},
			}
		}
	}

	if pd, ok := sctx.Decision(models.StagePolicy); ok &&
		pd.Decision == models.PolicyBlock &&
		exc.Severity.Rank() >= models.SeverityHigh.Rank() {
		return review{
			Ruling:     models.SupervisorEscalated,
			Confidence: supervisorEscalateConfidence,
			Evidence: []string{
				fmt.Sprintf("policy blocked a %s exception; escalating for human review", exc.Severity),
			},
		}
	}

	threshold := sctx.EffectiveGuardrails().HumanApprovalThreshold
	if conf := sctx.ChainConfidence(); conf < threshold*lowChainConfidenceFactor {
		return review{
			Ruling:     models.SupervisorIntervened,
			Confidence: supervisorInterveneConfidence,
			Evidence: []string{
				fmt.Sprintf("chain confidence %.2f is far below approval threshold %.2f", conf, threshold),
			},
		}
	}

	return review{
		Ruling:     models.SupervisorApprovedFlow,
		Confidence: supervisorApproveConfidence,
		Evidence:   []string{"decision chain within guardrails"},
	}
}

// merge keeps the stricter of the two rulings. Disagreement discounts the
// rule confidence; agreement never raises it.
func (s *SupervisorAgent) merge(rule review, out map[string]any) review {
	llmRuling, _ := models.GetString(out, "ruling")

	merged := rule
	switch {
	case rulingStrictness(llmRuling) > rulingStrictness(rule.Ruling):
		merged.Ruling = llmRuling
		merged.Confidence = rule.Confidence * disagreementFactor
		merged.Evidence = append(merged.Evidence,
			fmt.Sprintf("model tightened ruling to %s", llmRuling))
	case llmRuling != "" && llmRuling != rule.Ruling:
		merged.Confidence = rule.Confidence * disagreementFactor
		merged.Evidence = append(merged.Evidence,
			fmt.Sprintf("model proposed %s; rule ruling stands", llmRuling))
	}

	if r := reasoningFromOutput(out); !r.IsZero() {
		merged.Evidence = append(merged.Evidence, r.Flatten()...)
	}
	return merged
}

func rulingStrictness(ruling string) int {
	switch ruling {
	case models.SupervisorEscalated:
		return 2
	case models.SupervisorIntervened:
		return 1
	default:
		return 0
	}
}

// runReport extracts the playbook run report Resolution stored, if any.
func runReport(sctx *StageContext) *playbook.RunReport {
	rd, ok := sctx.Decision(models.StageResolution)
	if !ok {
		return nil
	}
	report, _ := rd.Metadata[MetaRunReport].(*playbook.RunReport)
	return report
}

// supervisorNextStep routes an approved flow along the upstream decision's
// next step; interventions and escalations override it.
func supervisorNextStep(ruling string, postResolution bool, upstream string) string {
	switch ruling {
	case models.SupervisorEscalated:
		return models.NextStepEscalate
	case models.SupervisorIntervened:
		return models.NextStepPendingApproval
	}
	if upstream != "" {
		return upstream
	}
	if postResolution {
		return models.NextStepComplete
	}
	return models.NextStepProceedToResolution
}
