package models

// Stage names, used as schema identifiers, breaker keys, and audit fields.
const (
	StageTriage     = "triage"
	StagePolicy     = "policy"
	StageResolution = "resolution"
	StageSupervisor = "supervisor"
	StageFeedback   = "feedback"
)

// Policy stage decisions.
const (
	PolicyAllow           = "ALLOW"
	PolicyBlock           = "BLOCK"
	PolicyRequireApproval = "REQUIRE_APPROVAL"
)

// Actionability classifies whether Resolution should act, suggest, or do nothing.
type Actionability string

const (
	// ActionableApproved means an approved playbook exists and execution may proceed.
	ActionableApproved Actionability = "ACTIONABLE_APPROVED_PROCESS"
	// ActionableNonApproved means action is allowed but no approved playbook exists;
	// Resolution may only suggest a draft.
	ActionableNonApproved Actionability = "ACTIONABLE_NON_APPROVED_PROCESS"
	// NonActionable means the exception is informational or blocked; no plan.
	NonActionable Actionability = "NON_ACTIONABLE_INFO_ONLY"
)

// IsValid checks if the actionability is a known value.
func (a Actionability) IsValid() bool {
	switch a {
	case ActionableApproved, ActionableNonApproved, NonActionable:
		return true
	default:
		return false
	}
}

// Supervisor stage decisions.
const (
	SupervisorApprovedFlow = "APPROVED_FLOW"
	SupervisorIntervened   = "INTERVENED"
	SupervisorEscalated    = "ESCALATED"
)

// Routing hints carried in AgentDecision.NextStep.
const (
	NextStepProceedToResolution = "ProceedToResolution"
	NextStepPendingApproval     = "PENDING_APPROVAL"
	NextStepEscalate            = "ESCALATE"
	NextStepComplete            = "COMPLETE"
	NextStepBlock               = "BLOCK"
)

// Metadata keys set on rule-based fallback results.
const (
	MetaLLMFallback    = "llm_fallback"
	MetaFallbackReason = "fallback_reason"
	MetaFallbackPath   = "fallback_path"
)

// FallbackPathRuleBased is the value of MetaFallbackPath on every
// deterministic fallback result.
const FallbackPathRuleBased = "rule_based"

// AgentDecision is the structured output of one stage evaluation.
// Evidence carries the flattened reasoning trail (summary, numbered steps,
// evidence references, applied guardrails, violated rules) for the audit log.
type AgentDecision struct {
	Decision   string         `json:"decision"`
	Confidence float64        `json:"confidence"`
	Evidence   []string       `json:"evidence,omitempty"`
	NextStep   string         `json:"nextStep,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// WithMeta returns the decision with the key set in its metadata map,
// allocating the map if needed.
func (d AgentDecision) WithMeta(key string, value any) AgentDecision {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any, 1)
	}
	d.Metadata[key] = value
	return d
}

// IsFallback reports whether the decision came from the rule-based path.
func (d AgentDecision) IsFallback() bool {
	v, ok := d.Metadata[MetaLLMFallback]
	b, isBool := v.(bool)
	return ok && isBool && b
}

// ClampConfidence bounds a confidence value to [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
