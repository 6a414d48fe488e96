package events

import (
	"encoding/json"

	"github.com/exceptionops/remsy/pkg/models"
)

// ExceptionIngestedPayload is the payload for ExceptionIngested events.
// Published when a raw exception enters the platform, before triage.
type ExceptionIngestedPayload struct {
	ExceptionID   string `json:"exceptionId"`
	SourceSystem  string `json:"sourceSystem"`
	Domain        string `json:"domain"`
	ExceptionType string `json:"exceptionType,omitempty"` // declared by the source, if any
	Severity      string `json:"severity,omitempty"`
}

// TriageCompletedPayload is the payload for TriageCompleted events.
type TriageCompletedPayload struct {
	ExceptionID   string  `json:"exceptionId"`
	ExceptionType string  `json:"exceptionType"` // post-merge classification
	Severity      string  `json:"severity"`
	Confidence    float64 `json:"confidence"`
	Fallback      bool    `json:"fallback,omitempty"` // decision came from the rule fallback
}

// PolicyEvaluatedPayload is the payload for PolicyEvaluated events.
type PolicyEvaluatedPayload struct {
	ExceptionID   string  `json:"exceptionId"`
	Decision      string  `json:"decision"` // ALLOW, BLOCK, REQUIRE_APPROVAL
	Actionability string  `json:"actionability"`
	PlaybookID    string  `json:"playbookId,omitempty"`
	NextStep      string  `json:"nextStep"`
	Confidence    float64 `json:"confidence"`
}

// PlaybookMatchedPayload is the payload for PlaybookMatched events. It opens
// a playbook run; the playbook worker answers with step execution requests.
type PlaybookMatchedPayload struct {
	ExceptionID string `json:"exceptionId"`
	Domain      string `json:"domain"`
	PlaybookID  string `json:"playbookId"`
	TotalSteps  int    `json:"totalSteps"`
}

// StepExecutionRequestedPayload is the payload for StepExecutionRequested
// events. Exactly one request per exception is in flight at a time.
type StepExecutionRequestedPayload struct {
	ExceptionID string `json:"exceptionId"`
	PlaybookID  string `json:"playbookId"`
	StepNumber  int    `json:"stepNumber"` // 1-based
	Action      string `json:"action"`
}

// StepExecutionCompletedPayload is the payload for StepExecutionCompleted
// events. Halt means the run must not continue past this step.
type StepExecutionCompletedPayload struct {
	ExceptionID string `json:"exceptionId"`
	PlaybookID  string `json:"playbookId"`
	StepNumber  int    `json:"stepNumber"`
	Status      string `json:"status"` // SUCCESS, FAILED, SKIPPED, NEEDS_APPROVAL
	Reason      string `json:"reason,omitempty"`
	Halt        bool   `json:"halt,omitempty"`
}

// ResolutionCompletedPayload is the payload for ResolutionCompleted events.
// Published once per exception when it reaches a terminal status.
type ResolutionCompletedPayload struct {
	ExceptionID string `json:"exceptionId"`
	Status      string `json:"status"` // RESOLVED, ESCALATED, NEEDS_APPROVAL
	Halted      bool   `json:"halted,omitempty"`
}

// FallbackOccurredPayload is the payload for FallbackOccurred events. It
// records an LLM downgrade — breaker denial, provider failure, or a chain
// hop — for observability; no worker consumes it.
type FallbackOccurredPayload struct {
	ExceptionID  string `json:"exceptionId"`
	Agent        string `json:"agent"`
	Reason       string `json:"reason"`
	Path         string `json:"path"`
	FromProvider string `json:"fromProvider,omitempty"`
	ToProvider   string `json:"toProvider,omitempty"`
}

// New builds a canonical event around a typed payload. The correlation id
// is the exception id for the event's whole lifetime.
func New(eventType models.EventType, tenantID, exceptionID string, payload any) (models.CanonicalEvent, error) {
	m, err := EncodePayload(payload)
	if err != nil {
		return models.CanonicalEvent{}, err
	}
	return models.NewCanonicalEvent(eventType, tenantID, exceptionID, m), nil
}

// EncodePayload renders a typed payload into the envelope's map form via its
// JSON shape, so wire and in-process consumers see the same field names.
func EncodePayload(payload any) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, models.Errorf(models.KindValidationFailed, "failed to encode event payload: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, models.Errorf(models.KindValidationFailed, "event payload is not an object: %v", err)
	}
	return m, nil
}

// Decode parses an envelope payload into its typed form. Fields absent from
// the payload stay zero; unknown fields are ignored.
func Decode[T any](ev models.CanonicalEvent) (T, error) {
	var out T
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return out, models.Errorf(models.KindValidationFailed, "failed to re-encode payload of %s: %v", ev.EventType, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, models.Errorf(models.KindValidationFailed, "failed to decode payload of %s: %v", ev.EventType, err)
	}
	return out, nil
}
