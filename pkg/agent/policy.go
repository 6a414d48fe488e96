package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/playbook"
)

// Policy rule-core confidence levels.
const (
	policyAllowConfidence    = 0.9
	policyApprovalConfidence = 0.85
	policyBlockConfidence    = 0.9
)

// disagreementFactor discounts confidence when the model and the rule core
// disagree on a verdict; agreement never raises it.
const disagreementFactor = 0.9

// PolicyAgent decides whether automated remediation may proceed and
// classifies actionability. The rule-based verdict is authoritative: the
// LLM can tighten a decision but a rule-based BLOCK is never merged to
// ALLOW.
type PolicyAgent struct {
	base
}

// NewPolicy builds the policy stage.
func NewPolicy(caller LLMCaller, opts ...Option) *PolicyAgent {
	return &PolicyAgent{base: newBase(models.StagePolicy, caller, opts...)}
}

// evaluation is the policy rule core's output.
type evaluation struct {
	Decision      string
	Actionability models.Actionability
	Playbook      *models.Playbook
	Confidence    float64
	Evidence      []string
}

func (e evaluation) output() map[string]any {
	return map[string]any{
		"decision":   e.Decision,
		"confidence": e.Confidence,
	}
}

// Process evaluates the rules, merges the LLM verdict when configured, and
// records the selected process on the stage context for Resolution.
func (p *PolicyAgent) Process(ctx context.Context, exc *models.Exception, sctx *StageContext) (models.AgentDecision, error) {
	rule := p.evaluate(exc, sctx)
	merged := rule

	res, called := p.callLLM(ctx, exc, buildPolicyPrompt(exc, sctx), rule.output)
	if called && res.Fallback == nil {
		merged = p.merge(rule, res.Output)
	}

	sctx.Playbook = merged.Playbook

	d := models.AgentDecision{
		Decision:   merged.Decision,
		Confidence: models.ClampConfidence(merged.Confidence),
		Evidence:   merged.Evidence,
		NextStep:   nextStepFor(merged.Decision),
	}
	d = d.WithMeta(MetaActionability, string(merged.Actionability))
	if merged.Playbook != nil {
		d = d.WithMeta(MetaPlaybookID, merged.Playbook.PlaybookID)
	}
	if called {
		d = applyFallback(d, res.Fallback)
	}

	p.auditDecision(ctx, exc, d, map[string]any{
		MetaActionability: string(merged.Actionability),
	})
	p.log.Info("Policy evaluated",
		"exception_id", exc.ExceptionID,
		"tenant_id", exc.TenantID,
		"decision", merged.Decision,
		"actionability", string(merged.Actionability),
		"confidence", d.Confidence)
	return d, nil
}

// evaluate runs the deterministic policy rules. An approved (or partially
// approved) process yields ALLOW or REQUIRE_APPROVAL; a process no step of
// which the tenant approved yields the draft-only path; no process at all
// is a BLOCK.
func (p *PolicyAgent) evaluate(exc *models.Exception, sctx *StageContext) evaluation {
	ev := evaluation{}

	if exc.ExceptionType == "" || exc.ExceptionType == TypeUnclassified ||
		sctx.Pack == nil || !sctx.Pack.HasExceptionType(exc.ExceptionType) {
		ev.Decision = models.PolicyBlock
		ev.Actionability = models.NonActionable
		ev.Confidence = policyBlockConfidence
		ev.Evidence = append(ev.Evidence, "no declared exception type; nothing to execute")
		return ev
	}

	pb, fullyApproved := selectProcess(sctx.Policy, sctx.Pack, exc.ExceptionType)
	switch {
	case pb == nil:
		ev.Decision = models.PolicyBlock
		ev.Actionability = models.NonActionable
		ev.Confidence = policyBlockConfidence
		ev.Evidence = append(ev.Evidence,
			fmt.Sprintf("no playbook for exception type %s", exc.ExceptionType))
		return ev
	case !fullyApproved && !anyToolApproved(sctx.Policy, pb):
		// A process exists but the tenant approved none of it: Resolution
		// may only suggest a draft.
		ev.Decision = models.PolicyAllow
		ev.Actionability = models.ActionableNonApproved
		ev.Playbook = pb
		ev.Confidence = policyAllowConfidence
		ev.Evidence = append(ev.Evidence,
			fmt.Sprintf("playbook %s exists but no step tool is tenant-approved", pb.PlaybookID))
		return ev
	}

	ev.Actionability = models.ActionableApproved
	ev.Playbook = pb
	if !fullyApproved {
		ev.Evidence = append(ev.Evidence,
			fmt.Sprintf("playbook %s contains unapproved tools: %s; execution will halt there",
				pb.PlaybookID, strings.Join(unapprovedTools(sctx.Policy, pb), ", ")))
	}

	reason := p.approvalReason(exc, sctx)
	if reason != "" {
		ev.Decision = models.PolicyRequireApproval
		ev.Confidence = policyApprovalConfidence
		ev.Evidence = append(ev.Evidence, reason)
		return ev
	}

	ev.Decision = models.PolicyAllow
	ev.Confidence = policyAllowConfidence
	ev.Evidence = append(ev.Evidence,
		fmt.Sprintf("approved playbook %s selected", pb.PlaybookID))
	return ev
}

// approvalReason reports why a human must sign off, or "" when none applies.
func (p *PolicyAgent) approvalReason(exc *models.Exception, sctx *StageContext) string {
	if sctx.Policy.RequiresApproval(exc.Severity) {
		return fmt.Sprintf("human approval rule matches severity %s", exc.Severity)
	}
	threshold := sctx.EffectiveGuardrails().HumanApprovalThreshold
	if td, ok := sctx.Decision(models.StageTriage); ok && td.Confidence < threshold {
		return fmt.Sprintf("triage confidence %.2f below approval threshold %.2f",
			td.Confidence, threshold)
	}
	return ""
}

// merge applies the policy merge rules: agreement never raises the rule
// confidence; the LLM tightening an ALLOW yields REQUIRE_APPROVAL; a
// rule-based BLOCK is relaxed at most to REQUIRE_APPROVAL, never to ALLOW.
// Actionability is rule-owned and never changes.
func (p *PolicyAgent) merge(rule evaluation, out map[string]any) evaluation {
	llmDecision, _ := models.GetString(out, "decision")

	merged := rule
	switch rule.Decision {
	case models.PolicyBlock:
		if llmDecision == models.PolicyAllow || llmDecision == models.PolicyRequireApproval {
			merged.Decision = models.PolicyRequireApproval
			merged.Confidence = rule.Confidence * disagreementFactor
			merged.Evidence = append(merged.Evidence,
				fmt.Sprintf("llm proposed %s; block relaxed only to approval", llmDecision))
		}
	case models.PolicyAllow:
		if llmDecision == models.PolicyBlock || llmDecision == models.PolicyRequireApproval {
			merged.Decision = models.PolicyRequireApproval
			merged.Confidence = rule.Confidence * disagreementFactor
			merged.Evidence = append(merged.Evidence,
				fmt.Sprintf("llm proposed %s; tightened to approval", llmDecision))
		}
	case models.PolicyRequireApproval:
		if llmDecision == models.PolicyAllow {
			merged.Confidence = rule.Confidence * disagreementFactor
			merged.Evidence = append(merged.Evidence,
				"llm proposed ALLOW; approval requirement stands")
		}
	}

	if r := reasoningFromOutput(out); !r.IsZero() {
		merged.Evidence = append(merged.Evidence, r.Flatten()...)
	}
	return merged
}

// selectProcess resolves the playbook Policy hands to Resolution. A full
// match (tenant custom, or domain playbook with every tool approved) is
// preferred; otherwise the composed domain playbook is returned unapproved
// and per-step allow-list enforcement governs execution.
func selectProcess(policy *models.TenantPolicyPack, dp *models.DomainPack, exceptionType string) (*models.Playbook, bool) {
	if matched := playbook.Match(policy, dp, exceptionType); matched != nil {
		return matched, true
	}
	if dp == nil {
		return nil, false
	}
	selected := dp.PlaybookFor(exceptionType)
	if selected == nil {
		return nil, false
	}
	return playbook.Compose(dp, exceptionType, selected), false
}

// anyToolApproved reports whether the tenant approved at least one
// tool-bearing step of the playbook.
func anyToolApproved(policy *models.TenantPolicyPack, pb *models.Playbook) bool {
	for i := range pb.Steps {
		tool := pb.Steps[i].ToolName()
		if tool != "" && policy.IsToolApproved(tool) {
			return true
		}
	}
	return false
}

// unapprovedTools lists the playbook's tools the tenant has not approved.
func unapprovedTools(policy *models.TenantPolicyPack, pb *models.Playbook) []string {
	var out []string
	seen := make(map[string]bool)
	for i := range pb.Steps {
		tool := pb.Steps[i].ToolName()
		if tool == "" || seen[tool] || policy.IsToolApproved(tool) {
			continue
		}
		seen[tool] = true
		out = append(out, tool)
	}
	return out
}

// nextStepFor maps a policy decision onto its routing hint.
func nextStepFor(decision string) string {
	switch decision {
	case models.PolicyAllow:
		return models.NextStepProceedToResolution
	case models.PolicyRequireApproval:
		return models.NextStepPendingApproval
	case models.PolicyBlock:
		return models.NextStepBlock
	default:
		return ""
	}
}
