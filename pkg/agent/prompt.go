package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/exceptionops/remsy/pkg/models"
)

// Prompt builders for the five stages. All builders are pure functions of
// the exception and stage context; sanitization happens downstream in the
// routing fabric, schema enforcement in the executor.

func buildTriagePrompt(exc *models.Exception, sctx *StageContext) string {
	var b strings.Builder
	b.WriteString("You are the triage stage of a multi-tenant exception-processing pipeline.\n")
	b.WriteString("Classify the exception into one of the declared types and assign a severity.\n\n")
	writeExceptionSection(&b, exc)

	if sctx.Pack != nil && len(sctx.Pack.ExceptionTypes) > 0 {
		b.WriteString("\nDeclared exception types:\n")
		for _, name := range sortedTypeNames(sctx.Pack) {
			def := sctx.Pack.ExceptionTypes[name]
			fmt.Fprintf(&b, "- %s: %s\n", name, def.Description)
		}
	}
	if len(sctx.SimilarCases) > 0 {
		b.WriteString("\nSimilar resolved cases:\n")
		for _, c := range sctx.SimilarCases {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	b.WriteString("\nRespond with a single JSON object: ")
	b.WriteString(`{"exception_type", "severity" (LOW|MEDIUM|HIGH|CRITICAL), "confidence" [0,1], "reasoning", "evidence"}.`)
	return b.String()
}

func buildPolicyPrompt(exc *models.Exception, sctx *StageContext) string {
	var b strings.Builder
	b.WriteString("You are the policy stage of a multi-tenant exception-processing pipeline.\n")
	b.WriteString("Decide whether automated remediation may proceed for this exception.\n\n")
	writeExceptionSection(&b, exc)
	writeDecisionSection(&b, sctx, models.StageTriage)

	if sctx.Policy != nil {
		fmt.Fprintf(&b, "\nTenant-approved tools: %s\n", strings.Join(sctx.Policy.ApprovedTools, ", "))
		for _, rule := range sctx.Policy.HumanApprovalRules {
			fmt.Fprintf(&b, "Approval rule: severity %s requires approval: %t\n", rule.Severity, rule.RequireApproval)
		}
	}
	g := sctx.EffectiveGuardrails()
	fmt.Fprintf(&b, "Human approval threshold: %.2f\n", g.HumanApprovalThreshold)

	b.WriteString("\nRespond with a single JSON object: ")
	b.WriteString(`{"decision" (ALLOW|BLOCK|REQUIRE_APPROVAL), "confidence" [0,1], "reasoning", "violated_rules"}.`)
	return b.String()
}

func buildResolutionPrompt(exc *models.Exception, sctx *StageContext, pb *models.Playbook) string {
	var b strings.Builder
	b.WriteString("You are the resolution stage of a multi-tenant exception-processing pipeline.\n")
	b.WriteString("Review the remediation plan: explain ordering, expected outcome, and rejected alternatives.\n")
	b.WriteString("You cannot change which tools execute.\n\n")
	writeExceptionSection(&b, exc)
	writeDecisionSection(&b, sctx, models.StagePolicy)

	if pb != nil {
		fmt.Fprintf(&b, "\nPlaybook %s steps:\n", pb.PlaybookID)
		for i, step := range pb.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step.Action)
		}
	}

	b.WriteString("\nRespond with a single JSON object: ")
	b.WriteString(`{"summary", "confidence" [0,1], "ordering_rationale", "expected_outcome", "rejected_alternatives"}.`)
	return b.String()
}

func buildSupervisorPrompt(exc *models.Exception, sctx *StageContext) string {
	var b strings.Builder
	b.WriteString("You are the supervisor checkpoint of a multi-tenant exception-processing pipeline.\n")
	b.WriteString("Review the chain of decisions and rule on the flow.\n\n")
	writeExceptionSection(&b, exc)
	writeDecisionSection(&b, sctx, models.StageTriage)
	writeDecisionSection(&b, sctx, models.StagePolicy)
	writeDecisionSection(&b, sctx, models.StageResolution)

	g := sctx.EffectiveGuardrails()
	fmt.Fprintf(&b, "\nHuman approval threshold: %.2f\n", g.HumanApprovalThreshold)
	if len(g.BlockedTools) > 0 {
		fmt.Fprintf(&b, "Blocked tools: %s\n", strings.Join(g.BlockedTools, ", "))
	}

	b.WriteString("\nRespond with a single JSON object: ")
	b.WriteString(`{"ruling" (APPROVED_FLOW|INTERVENED|ESCALATED), "confidence" [0,1], "reasoning", "applied_guardrails"}.`)
	return b.String()
}

func buildFeedbackPrompt(exc *models.Exception, stats *models.FeedbackStats) string {
	var b strings.Builder
	b.WriteString("You are the feedback stage of a multi-tenant exception-processing pipeline.\n")
	b.WriteString("Summarize what this outcome implies for the tenant's configuration.\n\n")
	writeExceptionSection(&b, exc)

	if stats != nil {
		fmt.Fprintf(&b, "\nOutcome statistics for (%s, %s): total %d, resolved %d, escalated %d, needs approval %d, false positives %d, false negatives %d\n",
			stats.TenantID, stats.ExceptionType, stats.Total, stats.Resolved,
			stats.Escalated, stats.NeedsApproval, stats.FalsePositives, stats.FalseNegatives)
	}

	b.WriteString("\nRespond with a single JSON object: ")
	b.WriteString(`{"summary", "confidence" [0,1], "recommendations": [{"kind", "description"}]}.`)
	return b.String()
}

func writeExceptionSection(b *strings.Builder, exc *models.Exception) {
	fmt.Fprintf(b, "Exception %s (tenant %s, domain %s, source %s)\n",
		exc.ExceptionID, exc.TenantID, exc.Domain, exc.SourceSystem)
	if exc.ExceptionType != "" {
		fmt.Fprintf(b, "Current classification: %s / %s\n", exc.ExceptionType, exc.Severity)
	}
	if len(exc.NormalizedContext) > 0 {
		if data, err := json.Marshal(exc.NormalizedContext); err == nil {
			fmt.Fprintf(b, "Context: %s\n", data)
		}
	}
}

func writeDecisionSection(b *strings.Builder, sctx *StageContext, stage string) {
	d, ok := sctx.Decision(stage)
	if !ok {
		return
	}
	fmt.Fprintf(b, "%s decision: %s (confidence %.2f)\n", stage, d.Decision, d.Confidence)
	for _, line := range d.Evidence {
		fmt.Fprintf(b, "  %s\n", line)
	}
}

func sortedTypeNames(dp *models.DomainPack) []string {
	names := make([]string, 0, len(dp.ExceptionTypes))
	for name := range dp.ExceptionTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
