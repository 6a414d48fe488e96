// Package queue is the asynchronous worker mesh: four consumer groups that
// decompose the agent chain into event-driven hops. The triage worker owns
// the classification and policy segment, the playbook worker owns the step
// cursor, the step worker executes exactly one gated step per event, and the
// feedback worker closes the loop after the terminal event.
//
// Delivery is at-least-once. Every consumer claims (event_id, consumer_group)
// in the processing store before doing work; a Conflict on the claim means
// another delivery got there first and the event is acknowledged untouched.
// Duplicate emissions (a redelivered handler re-publishing with a fresh event
// id) are absorbed by the exception's monotonic step cursor and the terminal
// status guard.
package queue

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

// Deps carries the collaborators shared by the mesh workers. Sink and Log may
// be nil; Engine is required by the step worker, the stages by the workers
// that run them.
type Deps struct {
	Registry *pack.Registry
	Stores   *store.Stores
	Broker   events.Broker
	Sink     audit.Sink

	Triage     agent.Stage
	Policy     agent.Stage
	Supervisor agent.Stage
	Feedback   agent.Stage
	Engine     *playbook.Engine

	// DryRun makes step execution simulate tool invocations.
	DryRun bool

	Log *slog.Logger
}

// base is the common body of every mesh worker: binding resolution, the
// exception transition helper, and event emission.
type base struct {
	registry *pack.Registry
	stores   *store.Stores
	broker   events.Broker
	sink     audit.Sink
	dryRun   bool
	log      *slog.Logger
}

func newWorkerBase(name string, d Deps) base {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	sink := d.Sink
	if sink == nil {
		sink = audit.NopSink{}
	}
	return base{
		registry: d.Registry,
		stores:   d.Stores,
		broker:   d.Broker,
		sink:     sink,
		dryRun:   d.DryRun,
		log:      log.With("component", "queue", "worker", name),
	}
}

// loadException fetches the event's exception. The correlation id is the
// exception id for the event's whole lifetime.
func (b *base) loadException(ctx context.Context, ev models.CanonicalEvent) (*models.Exception, error) {
	exc, err := b.stores.Exceptions.Get(ctx, ev.TenantID, ev.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load exception %s for tenant %s: %w", ev.CorrelationID, ev.TenantID, err)
	}
	return exc, nil
}

// stageContext resolves the active pack binding. A missing binding is not
// fatal: the stages degrade to block/no-action rulings on a nil pack.
func (b *base) stageContext(exc *models.Exception) *agent.StageContext {
	sctx := &agent.StageContext{DryRun: b.dryRun}
	if pk, err := b.registry.ActiveDomainPack(exc.TenantID, exc.Domain); err != nil {
		b.log.Warn("No active domain pack for binding",
			"tenant_id", exc.TenantID,
			"domain", exc.Domain,
			"error", err)
	} else {
		sctx.Pack = pk
	}
	if pol, err := b.registry.ActiveTenantPolicy(exc.TenantID, exc.Domain); err != nil {
		b.log.Warn("No active tenant policy for binding",
			"tenant_id", exc.TenantID,
			"domain", exc.Domain,
			"error", err)
	} else {
		sctx.Policy = pol
	}
	return sctx
}

// binding returns the active pack and policy for step-level execution. Either
// may be nil; the engine's gates rule on what is present.
func (b *base) binding(exc *models.Exception) (*models.DomainPack, *models.TenantPolicyPack) {
	pk, _ := b.registry.ActiveDomainPack(exc.TenantID, exc.Domain)
	pol, _ := b.registry.ActiveTenantPolicy(exc.TenantID, exc.Domain)
	return pk, pol
}

// resolvePlaybook reselects the exception's playbook from the active packs,
// mirroring the policy stage's selection so the cursor and the executed steps
// agree. A selection that no longer matches the recorded playbook id is pack
// drift and fails the resolution.
func (b *base) resolvePlaybook(exc *models.Exception) (*models.Playbook, error) {
	pk, pol := b.binding(exc)
	if pk == nil {
		return nil, models.Errorf(models.KindNotFound,
			"no active domain pack for tenant %s domain %s", exc.TenantID, exc.Domain)
	}

	pb := playbook.Match(pol, pk, exc.ExceptionType)
	if pb == nil {
		if selected := pk.PlaybookFor(exc.ExceptionType); selected != nil {
			pb = playbook.Compose(pk, exc.ExceptionType, selected)
		}
	}
	if pb == nil {
		return nil, models.Errorf(models.KindNotFound,
			"no playbook for exception type %s in the active pack", exc.ExceptionType)
	}
	if exc.CurrentPlaybookID != "" && pb.PlaybookID != exc.CurrentPlaybookID {
		return nil, models.Errorf(models.KindConflict,
			"active pack now selects playbook %s, run opened with %s", pb.PlaybookID, exc.CurrentPlaybookID)
	}
	return pb, nil
}

// transition moves the exception to a new status and persists it. The
// transition audit record is best-effort; the persisted status is not.
func (b *base) transition(ctx context.Context, exc *models.Exception, status models.ExceptionStatus, reason string) error {
	from := exc.Status
	exc.Status = status
	if err := b.stores.Exceptions.Update(ctx, exc); err != nil {
		exc.Status = from
		return fmt.Errorf("failed to persist %s transition: %w", status, err)
	}

	rec := audit.NewRecord(audit.CategoryTransition, exc.ExceptionID, exc.TenantID).
		WithStatus(string(status)).
		WithReason(reason).
		WithDetail("from", string(from))
	if err := b.sink.Append(ctx, rec); err != nil {
		b.log.Warn("Failed to append transition record",
			"exception_id", exc.ExceptionID,
			"error", err)
	}
	return nil
}

// emit builds a canonical event, appends it to the event log, and publishes
// it. The publish is part of the processing contract — a failed publish fails
// the handler so the broker redelivers — while the log append is best-effort
// observability.
func (b *base) emit(ctx context.Context, exc *models.Exception, eventType models.EventType, payload any) error {
	ev, err := events.New(eventType, exc.TenantID, exc.ExceptionID, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s event: %w", eventType, err)
	}
	if err := b.stores.Events.AppendEvent(ctx, ev); err != nil {
		b.log.Warn("Failed to append event to log",
			"exception_id", exc.ExceptionID,
			"event_type", string(eventType),
			"error", err)
	}
	if err := b.broker.Publish(ctx, ev); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

// emitFallback publishes a FallbackOccurred event when the stage decided
// without LLM input. Observability only, never fails the handler.
func (b *base) emitFallback(ctx context.Context, exc *models.Exception, stage string, d models.AgentDecision) {
	if !d.IsFallback() {
		return
	}
	reason, _ := models.GetString(d.Metadata, models.MetaFallbackReason)
	path, _ := models.GetString(d.Metadata, models.MetaFallbackPath)
	if err := b.emit(ctx, exc, models.EventFallbackOccurred, events.FallbackOccurredPayload{
		ExceptionID: exc.ExceptionID,
		Agent:       stage,
		Reason:      reason,
		Path:        path,
	}); err != nil {
		b.log.Warn("Failed to publish fallback event",
			"exception_id", exc.ExceptionID,
			"stage", stage,
			"error", err)
	}
}

// conclude applies the terminal transition and announces it. The feedback
// worker picks the announcement up from the resolved topic.
func (b *base) conclude(ctx context.Context, exc *models.Exception, status models.ExceptionStatus, reason string, halted bool) error {
	if err := b.transition(ctx, exc, status, reason); err != nil {
		return err
	}
	if err := b.emit(ctx, exc, models.EventResolutionCompleted, events.ResolutionCompletedPayload{
		ExceptionID: exc.ExceptionID,
		Status:      string(status),
		Halted:      halted,
	}); err != nil {
		return err
	}
	b.log.Info("Exception concluded",
		"exception_id", exc.ExceptionID,
		"tenant_id", exc.TenantID,
		"status", status,
		"reason", reason)
	return nil
}

// runStage times one stage and records its decision on the context.
func runStage(ctx context.Context, st agent.Stage, exc *models.Exception, sctx *agent.StageContext) (models.AgentDecision, error) {
	start := time.Now()
	d, err := st.Process(ctx, exc, sctx)
	metrics.ObservePipelineStage(st.Name(), time.Since(start))
	if err != nil {
		return models.AgentDecision{}, err
	}
	sctx.SetDecision(st.Name(), d)
	return d, nil
}
