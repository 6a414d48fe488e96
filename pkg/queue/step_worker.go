package queue

import (
	"context"
	"fmt"

	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/playbook"
)

// StepWorker executes exactly one playbook step per event. The approval
// threshold was ruled on at the classification hop, so the confidence gate
// passes here; severity, approval rules, and the tool allow-list are still
// enforced per step by the engine.
type StepWorker struct {
	base
	engine *playbook.Engine
}

func NewStepWorker(d Deps) *StepWorker {
	return &StepWorker{
		base:   newWorkerBase("step", d),
		engine: d.Engine,
	}
}

func (w *StepWorker) Name() string  { return "step" }
func (w *StepWorker) Topic() string { return events.TopicSteps }
func (w *StepWorker) Group() string { return GroupSteps }

func (w *StepWorker) Handle(ctx context.Context, ev models.CanonicalEvent) error {
	payload, err := events.Decode[events.StepExecutionRequestedPayload](ev)
	if err != nil {
		w.log.Warn("Dropping malformed step request",
			"event_id", ev.EventID,
			"error", err)
		return nil
	}
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

	pb, err := w.resolvePlaybook(exc)
	if err != nil {
		return w.reportFailure(ctx, exc, payload,
			fmt.Sprintf("playbook resolution failed: %v", err))
	}
	if payload.StepNumber < 1 || payload.StepNumber > len(pb.Steps) {
		return w.reportFailure(ctx, exc, payload,
			fmt.Sprintf("step %d out of range for %d-step playbook %s",
				payload.StepNumber, len(pb.Steps), pb.PlaybookID))
	}

	pk, pol := w.binding(exc)
	res := w.engine.ExecuteStep(ctx, playbook.RunInput{
		Exception: exc,
		Playbook:  pb,
		Policy:    pol,
		Pack:      pk,
		Gates: playbook.GateInput{
			Actionability: models.ActionableApproved,
			Confidence:    1,
		},
		DryRun: w.dryRun,
	}, payload.StepNumber-1)

	w.log.Info("Step executed",
		"exception_id", exc.ExceptionID,
		"playbook_id", pb.PlaybookID,
		"step_number", res.StepNumber,
		"status", res.Status,
		"halt", res.Halt)

	return w.emit(ctx, exc, models.EventStepExecutionCompleted, events.StepExecutionCompletedPayload{
		ExceptionID: exc.ExceptionID,
		PlaybookID:  pb.PlaybookID,
		StepNumber:  res.StepNumber,
		Status:      string(res.Status),
		Reason:      res.Reason,
		Halt:        res.Halt,
	})
}

// reportFailure publishes a halting failure outcome so the cursor worker
// concludes the run.
func (w *StepWorker) reportFailure(ctx context.Context, exc *models.Exception, payload events.StepExecutionRequestedPayload, reason string) error {
	w.log.Warn("Step could not execute",
		"exception_id", exc.ExceptionID,
		"step_number", payload.StepNumber,
		"reason", reason)
	return w.emit(ctx, exc, models.EventStepExecutionCompleted, events.StepExecutionCompletedPayload{
		ExceptionID: exc.ExceptionID,
		PlaybookID:  payload.PlaybookID,
		StepNumber:  payload.StepNumber,
		Status:      string(playbook.StepFailed),
		Reason:      reason,
		Halt:        true,
	})
}
