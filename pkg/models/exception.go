// Package models holds the shared data model: exception records, agent
// decisions, canonical events, configuration packs, and the error-kind
// taxonomy used across all layers.
package models

import "time"

// Severity classifies the operational impact of an exception.
type Severity string

const (
	// SeverityLow is informational or self-healing.
	SeverityLow Severity = "LOW"
	// SeverityMedium needs remediation but is not time-critical.
	SeverityMedium Severity = "MEDIUM"
	// SeverityHigh needs prompt remediation.
	SeverityHigh Severity = "HIGH"
	// SeverityCritical blocks automated execution entirely; humans decide.
	SeverityCritical Severity = "CRITICAL"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank returns an ordinal for severity comparisons (LOW=1 .. CRITICAL=4).
// Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ExceptionStatus is the resolution state of an exception record.
type ExceptionStatus string

const (
	// StatusOpen means the exception has been ingested but not triaged.
	StatusOpen ExceptionStatus = "OPEN"
	// StatusAnalyzing means the pipeline currently holds the turn.
	StatusAnalyzing ExceptionStatus = "ANALYZING"
	// StatusResolved is terminal: remediation completed.
	StatusResolved ExceptionStatus = "RESOLVED"
	// StatusEscalated is terminal: handed to humans after a guardrail or failure.
	StatusEscalated ExceptionStatus = "ESCALATED"
	// StatusNeedsApproval is terminal for the automated run: a gate requires
	// a human sign-off before any step may execute.
	StatusNeedsApproval ExceptionStatus = "NEEDS_APPROVAL"
	// StatusPendingApproval is the hold state entered when the supervisor
	// intervenes mid-flow.
	StatusPendingApproval ExceptionStatus = "PENDING_APPROVAL"
)

// IsValid checks if the status is a known value.
func (s ExceptionStatus) IsValid() bool {
	switch s {
	case StatusOpen, StatusAnalyzing, StatusResolved, StatusEscalated,
		StatusNeedsApproval, StatusPendingApproval:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the automated run concludes in this status.
func (s ExceptionStatus) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusEscalated, StatusNeedsApproval:
		return true
	default:
		return false
	}
}

// Exception is the process-lifetime record driven through the pipeline.
// ExceptionID is unique per tenant; every descendant artifact (decisions,
// step results, invocations, events) carries both ExceptionID and TenantID.
type Exception struct {
	ExceptionID  string    `json:"exceptionId"`
	TenantID     string    `json:"tenantId"`
	SourceSystem string    `json:"sourceSystem"`
	Domain       string    `json:"domain"`
	CreatedAt    time.Time `json:"createdAt"`

	// Classification, assigned by Triage.
	ExceptionType string   `json:"exceptionType,omitempty"`
	Severity      Severity `json:"severity,omitempty"`

	// Resolution state. CurrentStep is 1-indexed; 0 means no step started.
	Status            ExceptionStatus `json:"status"`
	CurrentPlaybookID string          `json:"currentPlaybookId,omitempty"`
	CurrentStep       int             `json:"currentStep"`

	// Payloads. RawPayload is the original event body, untouched.
	// NormalizedContext holds the fields extracted for placeholder
	// resolution and prompts.
	RawPayload        map[string]any `json:"rawPayload,omitempty"`
	NormalizedContext map[string]any `json:"normalizedContext,omitempty"`

	// Scheduling.
	SLADeadline *time.Time `json:"slaDeadline,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	Amount      *float64   `json:"amount,omitempty"`
}

// NewException creates an OPEN exception with the given identity fields.
func NewException(exceptionID, tenantID, sourceSystem, domain string, rawPayload map[string]any) *Exception {
	return &Exception{
		ExceptionID:  exceptionID,
		TenantID:     tenantID,
		SourceSystem: sourceSystem,
		Domain:       domain,
		CreatedAt:    time.Now().UTC(),
		Status:       StatusOpen,
		RawPayload:   rawPayload,
	}
}

// Clone returns a deep-enough copy for handing across goroutine boundaries.
// Map payloads are copied one level deep; nested values stay shared and must
// be treated as read-only by convention.
func (e *Exception) Clone() *Exception {
	if e == nil {
		return nil
	}
	out := *e
	out.RawPayload = copyMap(e.RawPayload)
	out.NormalizedContext = copyMap(e.NormalizedContext)
	if e.SLADeadline != nil {
		d := *e.SLADeadline
		out.SLADeadline = &d
	}
	if e.Amount != nil {
		a := *e.Amount
		out.Amount = &a
	}
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ContextValue looks up a key in the normalized context, falling back to the
// raw payload. The boolean reports whether the key was found at all.
func (e *Exception) ContextValue(key string) (any, bool) {
	if v, ok := e.NormalizedContext[key]; ok {
		return v, true
	}
	if v, ok := e.RawPayload[key]; ok {
		return v, true
	}
	return nil, false
}
