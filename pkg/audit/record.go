// Package audit is the append-only trail of everything the platform decides
// and does: agent decisions, tool invocations, playbook step transitions,
// LLM fallbacks, and validation failures. Sinks are write-only collaborators
// with a single Append method; the JSONL file sink is the default today and
// the Postgres sink runs alongside it in service deployments.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies an audit record.
type Category string

const (
	// CategoryDecision records an agent stage decision.
	CategoryDecision Category = "agent_decision"
	// CategoryStep records a playbook step status transition.
	CategoryStep Category = "step_transition"
	// CategoryInvocation records a tool invocation outcome.
	CategoryInvocation Category = "tool_invocation"
	// CategoryFallback records an LLM-to-rules or provider fallback.
	CategoryFallback Category = "llm_fallback"
	// CategoryValidationFailure records an LLM output that failed its schema.
	CategoryValidationFailure Category = "llm_validation_failure"
	// CategoryGuardrail records a guardrail denial (severity gate, allow-list,
	// approval rule, confidence floor).
	CategoryGuardrail Category = "guardrail_denial"
	// CategoryRollback records a rollback or escalation attempt after a failed step.
	CategoryRollback Category = "rollback"
	// CategoryTransition records an exception status change.
	CategoryTransition Category = "status_transition"
)

// Record is one audit trail entry. ExceptionID and TenantID are mandatory on
// every record; the remaining fields apply per category. Detail carries
// category-specific structured data and must already be serializable.
type Record struct {
	RecordID    string         `json:"recordId"`
	Timestamp   time.Time      `json:"timestamp"`
	Category    Category       `json:"category"`
	ExceptionID string         `json:"exceptionId"`
	TenantID    string         `json:"tenantId"`
	Stage       string         `json:"stage,omitempty"`
	StepNumber  int            `json:"stepNumber,omitempty"`
	Status      string         `json:"status,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// NewRecord builds a record with a fresh id and UTC timestamp.
func NewRecord(category Category, exceptionID, tenantID string) Record {
	return Record{
		RecordID:    uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Category:    category,
		ExceptionID: exceptionID,
		TenantID:    tenantID,
	}
}

// WithStage sets the stage name.
func (r Record) WithStage(stage string) Record {
	r.Stage = stage
	return r
}

// WithStep sets the 1-indexed step number.
func (r Record) WithStep(n int) Record {
	r.StepNumber = n
	return r
}

// WithStatus sets the status field.
func (r Record) WithStatus(status string) Record {
	r.Status = status
	return r
}

// WithReason sets the reason field.
func (r Record) WithReason(reason string) Record {
	r.Reason = reason
	return r
}

// WithDetail sets one detail key, allocating the map if needed.
func (r Record) WithDetail(key string, value any) Record {
	if r.Detail == nil {
		r.Detail = make(map[string]any, 1)
	}
	r.Detail[key] = value
	return r
}
