package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a canonical platform event. The set is closed:
// consumers switch on these values and unknown types are acked and dropped.
type EventType string

const (
	// EventExceptionIngested fires when a raw exception enters the platform.
	EventExceptionIngested EventType = "ExceptionIngested"
	// EventTriageCompleted fires after the Triage stage classifies the exception.
	EventTriageCompleted EventType = "TriageCompleted"
	// EventPolicyEvaluated fires after the Policy stage rules on the exception.
	EventPolicyEvaluated EventType = "PolicyEvaluated"
	// EventPlaybookMatched fires when a playbook has been selected for execution.
	EventPlaybookMatched EventType = "PlaybookMatched"
	// EventStepExecutionRequested asks the step worker to run one playbook step.
	EventStepExecutionRequested EventType = "StepExecutionRequested"
	// EventStepExecutionCompleted reports the outcome of one playbook step.
	EventStepExecutionCompleted EventType = "StepExecutionCompleted"
	// EventResolutionCompleted fires when the exception reaches a terminal state.
	EventResolutionCompleted EventType = "ResolutionCompleted"
	// EventFallbackOccurred records an LLM→rules fallback for observability.
	EventFallbackOccurred EventType = "FallbackOccurred"
)

// IsValid checks if the event type is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventExceptionIngested, EventTriageCompleted, EventPolicyEvaluated,
		EventPlaybookMatched, EventStepExecutionRequested,
		EventStepExecutionCompleted, EventResolutionCompleted,
		EventFallbackOccurred:
		return true
	default:
		return false
	}
}

// CanonicalEvent is the transport envelope for the worker mesh. The
// correlation id equals the exception id for the exception's whole lifetime,
// which is also the broker partition key that preserves per-exception order.
type CanonicalEvent struct {
	EventID       string         `json:"eventId"`
	EventType     EventType      `json:"eventType"`
	TenantID      string         `json:"tenantId"`
	CorrelationID string         `json:"correlationId"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewCanonicalEvent builds an event with a fresh UUID and UTC timestamp.
// correlationID must be the exception id.
func NewCanonicalEvent(eventType EventType, tenantID, correlationID string, payload map[string]any) CanonicalEvent {
	return CanonicalEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// ProcessingStatus is the idempotency-store state for one
// (event_id, consumer_group) pair.
type ProcessingStatus string

const (
	// ProcessingInFlight marks the pair as claimed by a consumer.
	ProcessingInFlight ProcessingStatus = "processing"
	// ProcessingCompleted marks the pair as done; replays are acked without effect.
	ProcessingCompleted ProcessingStatus = "completed"
	// ProcessingFailed marks the pair as failed; the broker will redeliver.
	ProcessingFailed ProcessingStatus = "failed"
)

// IsValid checks if the processing status is a known value.
func (s ProcessingStatus) IsValid() bool {
	return s == ProcessingInFlight || s == ProcessingCompleted || s == ProcessingFailed
}
