package queue

import (
	"context"
	"fmt"

	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/playbook"
)

// PlaybookWorker owns the step cursor: it opens a run when a playbook is
// matched and advances or concludes it as step outcomes arrive. Both event
// types share one topic so the cursor observes them in per-exception order.
type PlaybookWorker struct {
	base
}

func NewPlaybookWorker(d Deps) *PlaybookWorker {
	return &PlaybookWorker{base: newWorkerBase("playbook", d)}
}

func (w *PlaybookWorker) Name() string  { return "playbook" }
func (w *PlaybookWorker) Topic() string { return events.TopicPlaybook }
func (w *PlaybookWorker) Group() string { return GroupPlaybook }

func (w *PlaybookWorker) Handle(ctx context.Context, ev models.CanonicalEvent) error {
	switch ev.EventType {
	case models.EventPlaybookMatched:
		return w.openRun(ctx, ev)
	case models.EventStepExecutionCompleted:
		return w.advance(ctx, ev)
	default:
		w.log.Warn("Unexpected event type on playbook topic",
			"event_type", string(ev.EventType),
			"event_id", ev.EventID)
		return nil
	}
}

// openRun starts the run at step one. The persisted playbook id is the
// authority; the match payload only announced the selection.
func (w *PlaybookWorker) openRun(ctx context.Context, ev models.CanonicalEvent) error {
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
	if exc.CurrentStep > 0 {
		w.log.Info("Run already open, duplicate match absorbed",
			"exception_id", exc.ExceptionID,
			"current_step", exc.CurrentStep)
		return nil
	}

	pb, err := w.resolvePlaybook(exc)
	if err != nil {
		// Redelivery cannot heal a pack that drifted under the run.
		return w.conclude(ctx, exc, models.StatusEscalated,
			fmt.Sprintf("playbook run could not open: %v", err), false)
	}
	if len(pb.Steps) == 0 {
		return w.conclude(ctx, exc, models.StatusResolved,
			fmt.Sprintf("playbook %s has no steps", pb.PlaybookID), false)
	}
	return w.requestStep(ctx, exc, pb.PlaybookID, 1, pb.Steps[0].Action)
}

// advance moves the cursor past a completed step and schedules the next one
// or concludes the run. Outcomes at or behind the cursor are stale
// duplicates and are absorbed.
func (w *PlaybookWorker) advance(ctx context.Context, ev models.CanonicalEvent) error {
	payload, err := events.Decode[events.StepExecutionCompletedPayload](ev)
	if err != nil {
		w.log.Warn("Dropping malformed step outcome",
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
	if payload.StepNumber <= exc.CurrentStep {
		w.log.Info("Stale step outcome absorbed",
			"exception_id", exc.ExceptionID,
			"step_number", payload.StepNumber,
			"current_step", exc.CurrentStep)
		return nil
	}

	exc.CurrentStep = payload.StepNumber
	if err := w.stores.Exceptions.Update(ctx, exc); err != nil {
		return fmt.Errorf("failed to persist step cursor: %w", err)
	}

	switch {
	case payload.Halt:
		return w.conclude(ctx, exc, models.StatusEscalated,
			fmt.Sprintf("step %d halted the run: %s", payload.StepNumber, payload.Reason), true)
	case payload.Status == string(playbook.StepNeedsApproval):
		return w.conclude(ctx, exc, models.StatusNeedsApproval,
			fmt.Sprintf("step %d requires approval: %s", payload.StepNumber, payload.Reason), false)
	}

	pb, err := w.resolvePlaybook(exc)
	if err != nil {
		return w.conclude(ctx, exc, models.StatusEscalated,
			fmt.Sprintf("playbook run could not continue: %v", err), false)
	}
	if payload.StepNumber >= len(pb.Steps) {
		return w.conclude(ctx, exc, models.StatusResolved,
			fmt.Sprintf("playbook %s completed %d steps", pb.PlaybookID, payload.StepNumber), false)
	}

	next := payload.StepNumber + 1
	return w.requestStep(ctx, exc, pb.PlaybookID, next, pb.Steps[next-1].Action)
}

func (w *PlaybookWorker) requestStep(ctx context.Context, exc *models.Exception, playbookID string, stepNumber int, action string) error {
	return w.emit(ctx, exc, models.EventStepExecutionRequested, events.StepExecutionRequestedPayload{
		ExceptionID: exc.ExceptionID,
		PlaybookID:  playbookID,
		StepNumber:  stepNumber,
		Action:      action,
	})
}
