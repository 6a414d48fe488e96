// Package events carries exception lifecycle events between the ingest
// surface, the orchestrator, and the worker mesh.
//
// ════════════════════════════════════════════════════════════════
// Delivery model
// ════════════════════════════════════════════════════════════════
//
// Every event is a models.CanonicalEvent whose correlation id is the
// exception id. The broker partitions by that key: events for one
// exception are delivered to a consumer group in publish order, events
// for different exceptions interleave freely. Delivery is at-least-once —
// a handler error triggers redelivery up to the broker's attempt cap, and
// the event-processing store's (event_id, consumer_group) check absorbs
// the replays.
//
// Topic layout follows the consumers, not the producers:
//
//	exceptions           ExceptionIngested              → triage worker
//	exceptions.triaged   TriageCompleted, PolicyEvaluated,
//	                     FallbackOccurred               → observers only
//	exceptions.playbook  PlaybookMatched,
//	                     StepExecutionCompleted         → playbook worker
//	exceptions.steps     StepExecutionRequested         → step worker
//	exceptions.resolved  ResolutionCompleted            → feedback worker
//
// PlaybookMatched and StepExecutionCompleted share a topic on purpose:
// the playbook worker advances the step cursor, and the cursor only stays
// monotonic if the match and every completion for one exception arrive in
// order on one partition key.
package events

import (
	"github.com/exceptionops/remsy/pkg/models"
)

// Topic names. These are the broker-level routing constants; the JetStream
// binding maps them onto subjects, the in-process bus uses them verbatim.
const (
	// TopicExceptions carries freshly ingested exceptions.
	TopicExceptions = "exceptions"
	// TopicTriaged carries triage and policy outcomes plus fallback notices.
	TopicTriaged = "exceptions.triaged"
	// TopicPlaybook carries playbook matches and step completions.
	TopicPlaybook = "exceptions.playbook"
	// TopicSteps carries single-step execution requests.
	TopicSteps = "exceptions.steps"
	// TopicResolved carries terminal resolution outcomes.
	TopicResolved = "exceptions.resolved"
)

// Topics lists every topic in routing order. Used to provision streams and
// by tests that need the full surface.
func Topics() []string {
	return []string{TopicExceptions, TopicTriaged, TopicPlaybook, TopicSteps, TopicResolved}
}

// TopicFor returns the topic an event type is published on. Unknown types
// map to the empty string; Publish rejects them before routing.
func TopicFor(t models.EventType) string {
	switch t {
	case models.EventExceptionIngested:
		return TopicExceptions
	case models.EventTriageCompleted, models.EventPolicyEvaluated, models.EventFallbackOccurred:
		return TopicTriaged
	case models.EventPlaybookMatched, models.EventStepExecutionCompleted:
		return TopicPlaybook
	case models.EventStepExecutionRequested:
		return TopicSteps
	case models.EventResolutionCompleted:
		return TopicResolved
	default:
		return ""
	}
}

// validateEvent enforces the envelope invariants every published event must
// satisfy: a known type and both tenant and exception identity.
func validateEvent(ev models.CanonicalEvent) error {
	if !ev.EventType.IsValid() {
		return models.Errorf(models.KindValidationFailed, "unknown event type %q", ev.EventType)
	}
	if ev.TenantID == "" {
		return models.Errorf(models.KindValidationFailed, "event %s has no tenant id", ev.EventType)
	}
	if ev.CorrelationID == "" {
		return models.Errorf(models.KindValidationFailed, "event %s has no correlation id", ev.EventType)
	}
	return nil
}
