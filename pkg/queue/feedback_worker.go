package queue

import (
	"context"
	"fmt"

	"github.com/exceptionops/remsy/pkg/agent"
	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/playbook"
)

// FeedbackWorker closes the loop after a conclusion: it replays the run's
// outcome into the feedback stage so drift statistics and recommendations
// accrue. Failures here never reopen the exception.
type FeedbackWorker struct {
	base
	feedback agent.Stage
}

func NewFeedbackWorker(d Deps) *FeedbackWorker {
	return &FeedbackWorker{
		base:     newWorkerBase("feedback", d),
		feedback: d.Feedback,
	}
}

func (w *FeedbackWorker) Name() string  { return "feedback" }
func (w *FeedbackWorker) Topic() string { return events.TopicResolved }
func (w *FeedbackWorker) Group() string { return GroupFeedback }

func (w *FeedbackWorker) Handle(ctx context.Context, ev models.CanonicalEvent) error {
	payload, err := events.Decode[events.ResolutionCompletedPayload](ev)
	if err != nil {
		w.log.Warn("Dropping malformed conclusion event",
			"event_id", ev.EventID,
			"error", err)
		return nil
	}
	exc, err := w.loadException(ctx, ev)
	if err != nil {
		return err
	}

	// The run report did not travel with the event; rebuild the execution
	// shape the drift heuristics read from the persisted cursor.
	sctx := w.stageContext(exc)
	if report := syntheticReport(exc, payload.Halted); report != nil {
		sctx.SetDecision(models.StageResolution,
			models.AgentDecision{}.WithMeta(agent.MetaRunReport, report))
	}

	fd, err := runStage(ctx, w.feedback, exc, sctx)
	if err != nil {
		return fmt.Errorf("feedback stage failed: %w", err)
	}
	w.emitFallback(ctx, exc, models.StageFeedback, fd)

	w.log.Info("Outcome recorded",
		"exception_id", exc.ExceptionID,
		"tenant_id", exc.TenantID,
		"status", exc.Status)
	return nil
}

// syntheticReport reconstructs the run report from the step cursor: every
// step behind the cursor succeeded, except the last one when the run halted.
// A run that never executed returns nil.
func syntheticReport(exc *models.Exception, halted bool) *playbook.RunReport {
	if exc.CurrentStep == 0 && !halted {
		return nil
	}
	report := &playbook.RunReport{Halted: halted}
	for n := 1; n <= exc.CurrentStep; n++ {
		res := playbook.StepResult{StepNumber: n, Status: playbook.StepSuccess}
		if halted && n == exc.CurrentStep {
			res.Status = playbook.StepFailed
		}
		report.Steps = append(report.Steps, res)
	}
	return report
}
