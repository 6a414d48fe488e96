// Package pipeline drives one exception through the agent chain
// synchronously: Triage → Policy → Supervisor (post-policy) → Resolution →
// Supervisor (post-resolution) → Feedback. The worker mesh decomposes the
// same chain into event-driven consumers; this runner is the single-process
// composition used by the CLI and by ingest paths that want an answer in
// the request lifetime.
//
// The runner owns the run state: it marks the exception ANALYZING, persists
// it after every transition, emits the canonical events as they occur, and
// concludes with one terminal transition. Stages own their decisions; the
// runner only routes on them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/exceptionops/remsy/pkg/agent"
	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/metrics"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/pack"
	"github.com/exceptionops/remsy/pkg/playbook"
	"github.com/exceptionops/remsy/pkg/store"
)

// Stages bundles the five chain stages in run order.
type Stages struct {
	Triage     agent.Stage
	Policy     agent.Stage
	Resolution agent.Stage
	Supervisor agent.Stage
	Feedback   agent.Stage
}

// CaseFinder supplies opaque similar-case evidence for triage. Nil disables
// retrieval; triage rules on the exception alone.
type CaseFinder interface {
	SimilarCases(ctx context.Context, exc *models.Exception) ([]string, error)
}

// Result is the outcome of one synchronous run.
type Result struct {
	Exception *models.Exception
	Decisions map[string]models.AgentDecision
	Report    *playbook.RunReport
}

// Runner executes the agent chain for one exception at a time.
type Runner struct {
	registry *pack.Registry
	stages   Stages
	excs     store.ExceptionStore
	eventLog store.EventStore
	broker   events.Broker
	sink     audit.Sink
	cases    CaseFinder
	dryRun   bool
	log      *slog.Logger
}

// Option configures the runner.
type Option func(*Runner)

// WithBroker publishes canonical events to the given broker as they occur.
func WithBroker(b events.Broker) Option {
	return func(r *Runner) { r.broker = b }
}

// WithEventLog appends canonical events to the durable event log.
func WithEventLog(s store.EventStore) Option {
	return func(r *Runner) { r.eventLog = s }
}

// WithAuditSink sets where status transition records go.
func WithAuditSink(s audit.Sink) Option {
	return func(r *Runner) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithCaseFinder enables similar-case retrieval for triage.
func WithCaseFinder(f CaseFinder) Option {
	return func(r *Runner) { r.cases = f }
}

// WithDryRun makes resolution simulate tool invocations.
func WithDryRun(dry bool) Option {
	return func(r *Runner) { r.dryRun = dry }
}

// WithLogger sets the runner's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRunner builds a pipeline runner. The registry resolves the active pack
// binding per run; exceptions is where run state persists.
func NewRunner(registry *pack.Registry, stages Stages, exceptions store.ExceptionStore, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		stages:   stages,
		excs:     exceptions,
		sink:     audit.NopSink{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "pipeline")
	return r
}

// ────────────────────────────────────────────────────────────
// Run — main entry point (chain loop)
// ────────────────────────────────────────────────────────────

// Run drives the exception to a terminal status. It returns an error only
// for infrastructure failures (stage internals, persistence); every
// decision-level degradation concludes the run with a terminal status
// instead.
func (r *Runner) Run(ctx context.Context, exc *models.Exception) (*Result, error) {
	log := r.log.With(
		"exception_id", exc.ExceptionID,
		"tenant_id", exc.TenantID,
		"domain", exc.Domain,
	)
	log.Info("Pipeline run starting")

	// 1. Resolve the active pack binding. A missing binding is not fatal:
	// the stages degrade to block/no-action rulings on a nil pack.
	sctx := &agent.StageContext{DryRun: r.dryRun}
	if pk, err := r.registry.ActiveDomainPack(exc.TenantID, exc.Domain); err != nil {
		log.Warn("No active domain pack for binding", "error", err)
	} else {
		sctx.Pack = pk
	}
	if pol, err := r.registry.ActiveTenantPolicy(exc.TenantID, exc.Domain); err != nil {
		log.Warn("No active tenant policy for binding", "error", err)
	} else {
		sctx.Policy = pol
	}

	// 2. Similar-case evidence, best-effort.
	if r.cases != nil {
		cases, err := r.cases.SimilarCases(ctx, exc)
		if err != nil {
			log.Warn("Failed to fetch similar cases", "error", err)
		} else {
			sctx.SimilarCases = cases
		}
	}

	// 3. Mark the run in flight.
	if err := r.transition(ctx, exc, models.StatusAnalyzing, "pipeline run started"); err != nil {
		return nil, err
	}

	// 4. Triage assigns type and severity on the record.
	td, err := r.runStage(ctx, r.stages.Triage, exc, sctx)
	if err != nil {
		return nil, fmt.Errorf("triage stage failed: %w", err)
	}
	if err := r.excs.Update(ctx, exc); err != nil {
		return nil, fmt.Errorf("failed to persist triaged exception: %w", err)
	}
	r.emit(ctx, exc, models.EventTriageCompleted, events.TriageCompletedPayload{
		ExceptionID:   exc.ExceptionID,
		ExceptionType: exc.ExceptionType,
		Severity:      string(exc.Severity),
		Confidence:    td.Confidence,
		Fallback:      td.IsFallback(),
	})
	r.emitFallback(ctx, exc, models.StageTriage, td)

	// 5. Policy selects the process and rules on execution.
	pd, err := r.runStage(ctx, r.stages.Policy, exc, sctx)
	if err != nil {
		return nil, fmt.Errorf("policy stage failed: %w", err)
	}
	actionability, _ := models.GetString(pd.Metadata, agent.MetaActionability)
	if pb := sctx.Playbook; pb != nil {
		exc.CurrentPlaybookID = pb.PlaybookID
		if err := r.excs.Update(ctx, exc); err != nil {
			return nil, fmt.Errorf("failed to persist selected playbook: %w", err)
		}
	}
	playbookID, _ := models.GetString(pd.Metadata, agent.MetaPlaybookID)
	r.emit(ctx, exc, models.EventPolicyEvaluated, events.PolicyEvaluatedPayload{
		ExceptionID:   exc.ExceptionID,
		Decision:      pd.Decision,
		Actionability: actionability,
		PlaybookID:    playbookID,
		NextStep:      pd.NextStep,
		Confidence:    pd.Confidence,
	})
	r.emitFallback(ctx, exc, models.StagePolicy, pd)

	// 6. Post-policy supervisor checkpoint. Intervention and escalation
	// stop the run before any execution.
	sd, err := r.runStage(ctx, r.stages.Supervisor, exc, sctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor stage failed: %w", err)
	}
	r.emitFallback(ctx, exc, models.StageSupervisor, sd)
	if status, stop := supervisorStatus(sd); stop {
		return r.conclude(ctx, exc, sctx, status,
			fmt.Sprintf("supervisor ruled %s at %s", sd.Decision, CheckpointOf(sd)))
	}

	// 7. An approved process opens a playbook run.
	if pb := sctx.Playbook; pb != nil && models.Actionability(actionability) == models.ActionableApproved {
		r.emit(ctx, exc, models.EventPlaybookMatched, events.PlaybookMatchedPayload{
			ExceptionID: exc.ExceptionID,
			Domain:      exc.Domain,
			PlaybookID:  pb.PlaybookID,
			TotalSteps:  len(pb.Steps),
		})
	}

	// 8. Resolution plans, and drives the engine when one is attached.
	rd, err := r.runStage(ctx, r.stages.Resolution, exc, sctx)
	if err != nil {
		return nil, fmt.Errorf("resolution stage failed: %w", err)
	}
	report := reportFrom(sctx)
	if report != nil && len(report.Steps) > 0 {
		exc.CurrentStep = report.Steps[len(report.Steps)-1].StepNumber
		if err := r.excs.Update(ctx, exc); err != nil {
			return nil, fmt.Errorf("failed to persist step cursor: %w", err)
		}
	}
	r.emitFallback(ctx, exc, models.StageResolution, rd)

	// 9. Post-resolution supervisor checkpoint, then the terminal ruling.
	sd, err = r.runStage(ctx, r.stages.Supervisor, exc, sctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor stage failed: %w", err)
	}
	r.emitFallback(ctx, exc, models.StageSupervisor, sd)

	status, reason := terminalStatus(sd, rd, report)
	return r.conclude(ctx, exc, sctx, status, reason)
}

// ────────────────────────────────────────────────────────────
// Run mechanics
// ────────────────────────────────────────────────────────────

// runStage times one stage and records its decision on the context.
func (r *Runner) runStage(ctx context.Context, st agent.Stage, exc *models.Exception, sctx *agent.StageContext) (models.AgentDecision, error) {
	start := time.Now()
	d, err := st.Process(ctx, exc, sctx)
	metrics.ObservePipelineStage(st.Name(), time.Since(start))
	if err != nil {
		return models.AgentDecision{}, err
	}
	sctx.SetDecision(st.Name(), d)
	return d, nil
}

// conclude applies the terminal transition, publishes the conclusion, and
// runs feedback fail-open: the outcome stands even when stats cannot be
// recorded.
func (r *Runner) conclude(ctx context.Context, exc *models.Exception, sctx *agent.StageContext, status models.ExceptionStatus, reason string) (*Result, error) {
	if err := r.transition(ctx, exc, status, reason); err != nil {
		return nil, err
	}

	report := reportFrom(sctx)
	r.emit(ctx, exc, models.EventResolutionCompleted, events.ResolutionCompletedPayload{
		ExceptionID: exc.ExceptionID,
		Status:      string(status),
		Halted:      report != nil && report.Halted,
	})

	if r.stages.Feedback != nil {
		if fd, err := r.runStage(ctx, r.stages.Feedback, exc, sctx); err != nil {
			r.log.Warn("Feedback stage failed, outcome stands",
				"exception_id", exc.ExceptionID,
				"error", err)
		} else {
			r.emitFallback(ctx, exc, models.StageFeedback, fd)
		}
	}

	r.log.Info("Pipeline run completed",
		"exception_id", exc.ExceptionID,
		"tenant_id", exc.TenantID,
		"status", status,
		"reason", reason)
	return &Result{Exception: exc, Decisions: sctx.Decisions, Report: report}, nil
}

// transition moves the exception to a new status and persists it. The
// transition audit record is best-effort; the persisted status is not.
func (r *Runner) transition(ctx context.Context, exc *models.Exception, status models.ExceptionStatus, reason string) error {
	from := exc.Status
	exc.Status = status
	if err := r.excs.Update(ctx, exc); err != nil {
		exc.Status = from
		return fmt.Errorf("failed to persist %s transition: %w", status, err)
	}

	rec := audit.NewRecord(audit.CategoryTransition, exc.ExceptionID, exc.TenantID).
		WithStatus(string(status)).
		WithReason(reason).
		WithDetail("from", string(from))
	if err := r.sink.Append(ctx, rec); err != nil {
		r.log.Warn("Failed to append transition record",
			"exception_id", exc.ExceptionID,
			"error", err)
	}
	return nil
}

// emit builds a canonical event, appends it to the event log, and publishes
// it. Both sinks are best-effort: the run never aborts on observer failures.
func (r *Runner) emit(ctx context.Context, exc *models.Exception, eventType models.EventType, payload any) {
	ev, err := events.New(eventType, exc.TenantID, exc.ExceptionID, payload)
	if err != nil {
		r.log.Warn("Failed to build event",
			"exception_id", exc.ExceptionID,
			"event_type", string(eventType),
			"error", err)
		return
	}
	if r.eventLog != nil {
		if err := r.eventLog.AppendEvent(ctx, ev); err != nil {
			r.log.Warn("Failed to append event to log",
				"exception_id", exc.ExceptionID,
				"event_type", string(eventType),
				"error", err)
		}
	}
	if r.broker != nil {
		if err := r.broker.Publish(ctx, ev); err != nil {
			r.log.Warn("Failed to publish event",
				"exception_id", exc.ExceptionID,
				"event_type", string(eventType),
				"error", err)
		}
	}
}

// emitFallback publishes a FallbackOccurred event when the stage decided
// without LLM input.
func (r *Runner) emitFallback(ctx context.Context, exc *models.Exception, stage string, d models.AgentDecision) {
	if !d.IsFallback() {
		return
	}
	reason, _ := models.GetString(d.Metadata, models.MetaFallbackReason)
	path, _ := models.GetString(d.Metadata, models.MetaFallbackPath)
	r.emit(ctx, exc, models.EventFallbackOccurred, events.FallbackOccurredPayload{
		ExceptionID: exc.ExceptionID,
		Agent:       stage,
		Reason:      reason,
		Path:        path,
	})
}

// ────────────────────────────────────────────────────────────
// Status mappers
// ────────────────────────────────────────────────────────────

// supervisorStatus maps an intervene/escalate ruling to the status that
// stops the run. Approved flows return false and the chain continues.
func supervisorStatus(d models.AgentDecision) (models.ExceptionStatus, bool) {
	switch d.Decision {
	case models.SupervisorEscalated:
		return models.StatusEscalated, true
	case models.SupervisorIntervened:
		return models.StatusPendingApproval, true
	default:
		return "", false
	}
}

// terminalStatus resolves the run's terminal status after the
// post-resolution checkpoint. Supervisor overrides win; otherwise the run
// report rules; a draft without a run awaits human review; everything else
// is resolved.
func terminalStatus(sd, rd models.AgentDecision, report *playbook.RunReport) (models.ExceptionStatus, string) {
	if status, stop := supervisorStatus(sd); stop {
		return status, fmt.Sprintf("supervisor ruled %s at %s", sd.Decision, CheckpointOf(sd))
	}
	if report != nil {
		status := report.Outcome()
		return status, fmt.Sprintf("playbook run concluded %s", status)
	}
	switch rd.NextStep {
	case models.NextStepEscalate:
		return models.StatusEscalated, "resolution escalated without a run"
	case models.NextStepPendingApproval:
		return models.StatusNeedsApproval, "resolution awaits human review"
	default:
		return models.StatusResolved, "resolution completed without execution"
	}
}

// CheckpointOf reads which supervisor checkpoint produced a decision.
func CheckpointOf(d models.AgentDecision) string {
	cp, _ := models.GetString(d.Metadata, agent.MetaCheckpoint)
	return cp
}

// reportFrom extracts the playbook run report Resolution recorded, if any.
func reportFrom(sctx *agent.StageContext) *playbook.RunReport {
	rd, ok := sctx.Decision(models.StageResolution)
	if !ok {
		return nil
	}
	report, _ := rd.Metadata[agent.MetaRunReport].(*playbook.RunReport)
	return report
}
