package queue

import (
	"context"
	"fmt"

	"github.com/exceptionops/remsy/pkg/agent"
	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/models"
)

// TriageWorker consumes ExceptionIngested and owns the classification
// segment of the chain: triage, policy, and the post-policy supervisor
// checkpoint. An approved process hands off to the playbook worker; every
// other ruling concludes the exception on this hop.
type TriageWorker struct {
	base
	triage     agent.Stage
	policy     agent.Stage
	supervisor agent.Stage
}

func NewTriageWorker(d Deps) *TriageWorker {
	return &TriageWorker{
		base:       newWorkerBase("triage", d),
		triage:     d.Triage,
		policy:     d.Policy,
		supervisor: d.Supervisor,
	}
}

func (w *TriageWorker) Name() string  { return "triage" }
func (w *TriageWorker) Topic() string { return events.TopicExceptions }
func (w *TriageWorker) Group() string { return GroupTriage }

func (w *TriageWorker) Handle(ctx context.Context, ev models.CanonicalEvent) error {
	exc, err := w.loadException(ctx, ev)
	if err != nil {
		return err
	}
	if exc.Status.IsTerminal() {
		w.log.Info("Ignoring event for concluded exception",
			"exception_id", exc.ExceptionID,
			"status", exc.Status)
		return nil
	}

	sctx := w.stageContext(exc)

	// 1. Mark the run in flight.
	if err := w.transition(ctx, exc, models.StatusAnalyzing, "worker mesh picked up exception"); err != nil {
		return err
	}

	// 2. Triage assigns type and severity on the record.
	td, err := runStage(ctx, w.triage, exc, sctx)
	if err != nil {
		return fmt.Errorf("triage stage failed: %w", err)
	}
	if err := w.stores.Exceptions.Update(ctx, exc); err != nil {
		return fmt.Errorf("failed to persist triaged exception: %w", err)
	}
	if err := w.emit(ctx, exc, models.EventTriageCompleted, events.TriageCompletedPayload{
		ExceptionID:   exc.ExceptionID,
		ExceptionType: exc.ExceptionType,
		Severity:      string(exc.Severity),
		Confidence:    td.Confidence,
		Fallback:      td.IsFallback(),
	}); err != nil {
		return err
	}
	w.emitFallback(ctx, exc, models.StageTriage, td)

	// 3. Policy selects the process and rules on execution.
	pd, err := runStage(ctx, w.policy, exc, sctx)
	if err != nil {
		return fmt.Errorf("policy stage failed: %w", err)
	}
	actionability, _ := models.GetString(pd.Metadata, agent.MetaActionability)
	if pb := sctx.Playbook; pb != nil {
		exc.CurrentPlaybookID = pb.PlaybookID
		if err := w.stores.Exceptions.Update(ctx, exc); err != nil {
			return fmt.Errorf("failed to persist selected playbook: %w", err)
		}
	}
	playbookID, _ := models.GetString(pd.Metadata, agent.MetaPlaybookID)
	if err := w.emit(ctx, exc, models.EventPolicyEvaluated, events.PolicyEvaluatedPayload{
		ExceptionID:   exc.ExceptionID,
		Decision:      pd.Decision,
		Actionability: actionability,
		PlaybookID:    playbookID,
		NextStep:      pd.NextStep,
		Confidence:    pd.Confidence,
	}); err != nil {
		return err
	}
	w.emitFallback(ctx, exc, models.StagePolicy, pd)

	// 4. Post-policy supervisor checkpoint. Intervention and escalation stop
	// the exception before any execution is scheduled.
	sd, err := runStage(ctx, w.supervisor, exc, sctx)
	if err != nil {
		return fmt.Errorf("supervisor stage failed: %w", err)
	}
	w.emitFallback(ctx, exc, models.StageSupervisor, sd)
	if status, stop := supervisorRuling(sd); stop {
		return w.conclude(ctx, exc, status,
			fmt.Sprintf("supervisor ruled %s at %s", sd.Decision, checkpointOf(sd)), false)
	}

	// 5. Route by the policy ruling. Approval requirements conclude here: a
	// step event cannot carry the chain confidence forward, so the human
	// gate fires on this hop rather than per step.
	switch {
	case pd.Decision == models.PolicyRequireApproval:
		return w.conclude(ctx, exc, models.StatusNeedsApproval,
			"policy requires human approval before execution", false)
	case models.Actionability(actionability) == models.ActionableApproved && sctx.Playbook != nil:
		pb := sctx.Playbook
		return w.emit(ctx, exc, models.EventPlaybookMatched, events.PlaybookMatchedPayload{
			ExceptionID: exc.ExceptionID,
			Domain:      exc.Domain,
			PlaybookID:  pb.PlaybookID,
			TotalSteps:  len(pb.Steps),
		})
	case models.Actionability(actionability) == models.ActionableNonApproved:
		return w.conclude(ctx, exc, models.StatusNeedsApproval,
			"no approved playbook, draft suggestion awaits review", false)
	default:
		return w.conclude(ctx, exc, models.StatusResolved,
			"informational ruling, no action required", false)
	}
}

// supervisorRuling maps an intervene/escalate ruling to the status that
// stops the exception. Approved flows return false and the hop hands off.
func supervisorRuling(d models.AgentDecision) (models.ExceptionStatus, bool) {
	switch d.Decision {
	case models.SupervisorEscalated:
		return models.StatusEscalated, true
	case models.SupervisorIntervened:
		return models.StatusPendingApproval, true
	default:
		return "", false
	}
}

// checkpointOf reads which supervisor checkpoint produced a decision.
func checkpointOf(d models.AgentDecision) string {
	cp, _ := models.GetString(d.Metadata, agent.MetaCheckpoint)
	return cp
}
