package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/agent"
	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/pack"
	"github.com/exceptionops/remsy/pkg/playbook"
	"github.com/exceptionops/remsy/pkg/store"
	"github.com/exceptionops/remsy/pkg/tools"
)

// workerEnv drives a single worker's Handle directly. The broker has no
// subscriptions, so emissions only land in the event log.
type workerEnv struct {
	deps     Deps
	stores   *store.Stores
	registry *pack.Registry
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	l := discardLog()
	stores := store.NewMemoryStores()
	registry := pack.NewRegistry()
	engine := playbook.NewEngine(
		tools.NewInvoker(tools.WithLogger(l)),
		playbook.WithLogger(l),
	)
	return &workerEnv{
		deps: Deps{
			Registry:   registry,
			Stores:     stores,
			Broker:     events.NewMemoryBroker(events.WithMemoryLogger(l)),
			Sink:       stores.Audit,
			Triage:     agent.NewTriage(nil, agent.WithLogger(l)),
			Policy:     agent.NewPolicy(nil, agent.WithLogger(l)),
			Supervisor: agent.NewSupervisor(nil, agent.WithLogger(l)),
			Feedback:   agent.NewFeedback(nil, stores.Feedback, agent.FeedbackConfig{}, agent.WithLogger(l)),
			Engine:     engine,
			DryRun:     true,
			Log:        l,
		},
		stores:   stores,
		registry: registry,
	}
}

func (e *workerEnv) seedBinding(t *testing.T) {
	t.Helper()
	require.NoError(t, e.registry.RegisterDomainPack("TENANT_A", financePack()))
	require.NoError(t, e.registry.RegisterTenantPolicy(financePolicy()))
}

func (e *workerEnv) create(t *testing.T, exc *models.Exception) {
	t.Helper()
	require.NoError(t, e.stores.Exceptions.Create(context.Background(), exc))
}

func (e *workerEnv) stored(t *testing.T, exc *models.Exception) *models.Exception {
	t.Helper()
	got, err := e.stores.Exceptions.Get(context.Background(), exc.TenantID, exc.ExceptionID)
	require.NoError(t, err)
	return got
}

func (e *workerEnv) loggedEvents(t *testing.T, exc *models.Exception) []models.CanonicalEvent {
	t.Helper()
	evs, err := e.stores.Events.EventsFor(context.Background(), exc.TenantID, exc.ExceptionID)
	require.NoError(t, err)
	return evs
}

func mustEvent(t *testing.T, eventType models.EventType, exc *models.Exception, payload any) models.CanonicalEvent {
	t.Helper()
	ev, err := events.New(eventType, exc.TenantID, exc.ExceptionID, payload)
	require.NoError(t, err)
	return ev
}

// openRunException is an exception mid-run: triaged, playbook selected.
func openRunException(exceptionID string, step int) *models.Exception {
	exc := settlementException(exceptionID, 125000)
	exc.Status = models.StatusAnalyzing
	exc.ExceptionType = "SETTLEMENT_FAIL"
	exc.Severity = models.SeverityHigh
	exc.CurrentPlaybookID = "pb-settlement-fail"
	exc.CurrentStep = step
	return exc
}

// ────────────────────────────────────────────────────────────
// Triage worker
// ────────────────────────────────────────────────────────────

func TestTriageWorker_TerminalReplayAcked(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := settlementException("EX-300", 125000)
	exc.Status = models.StatusResolved
	env.create(t, exc)

	w := NewTriageWorker(env.deps)
	ev := mustEvent(t, models.EventExceptionIngested, exc, events.ExceptionIngestedPayload{
		ExceptionID: exc.ExceptionID,
	})
	require.NoError(t, w.Handle(context.Background(), ev))

	assert.Equal(t, models.StatusResolved, env.stored(t, exc).Status)
	assert.Empty(t, env.loggedEvents(t, exc))
}

func TestTriageWorker_UnknownExceptionFails(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)

	w := NewTriageWorker(env.deps)
	ev, err := events.New(models.EventExceptionIngested, "TENANT_A", "EX-GONE", events.ExceptionIngestedPayload{
		ExceptionID: "EX-GONE",
	})
	require.NoError(t, err)

	err = w.Handle(context.Background(), ev)
	require.Error(t, err, "a missing record must surface for redelivery")
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

// ────────────────────────────────────────────────────────────
// Playbook worker
// ────────────────────────────────────────────────────────────

func matchedEvent(t *testing.T, exc *models.Exception) models.CanonicalEvent {
	t.Helper()
	return mustEvent(t, models.EventPlaybookMatched, exc, events.PlaybookMatchedPayload{
		ExceptionID: exc.ExceptionID,
		Domain:      exc.Domain,
		PlaybookID:  exc.CurrentPlaybookID,
		TotalSteps:  2,
	})
}

func stepOutcomeEvent(t *testing.T, exc *models.Exception, stepNumber int, status playbook.StepStatus, halt bool) models.CanonicalEvent {
	t.Helper()
	return mustEvent(t, models.EventStepExecutionCompleted, exc, events.StepExecutionCompletedPayload{
		ExceptionID: exc.ExceptionID,
		PlaybookID:  exc.CurrentPlaybookID,
		StepNumber:  stepNumber,
		Status:      string(status),
		Reason:      "outcome under test",
		Halt:        halt,
	})
}

func TestPlaybookWorker_OpensRunAtStepOne(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-310", 0)
	env.create(t, exc)

	w := NewPlaybookWorker(env.deps)
	require.NoError(t, w.Handle(context.Background(), matchedEvent(t, exc)))

	evs := env.loggedEvents(t, exc)
	require.Len(t, evs, 1)
	req, err := events.Decode[events.StepExecutionRequestedPayload](evs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, req.StepNumber)
	assert.Equal(t, "getSettlement", req.Action)
	assert.Equal(t, "pb-settlement-fail", req.PlaybookID)
}

func TestPlaybookWorker_DuplicateMatchAbsorbed(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-311", 1)
	env.create(t, exc)

	w := NewPlaybookWorker(env.deps)
	require.NoError(t, w.Handle(context.Background(), matchedEvent(t, exc)))

	assert.Empty(t, env.loggedEvents(t, exc), "an open run must not restart")
	assert.Equal(t, 1, env.stored(t, exc).CurrentStep)
}

func TestPlaybookWorker_StaleOutcomeAbsorbed(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-312", 2)
	env.create(t, exc)

	w := NewPlaybookWorker(env.deps)
	ev := stepOutcomeEvent(t, exc, 1, playbook.StepSuccess, false)
	require.NoError(t, w.Handle(context.Background(), ev))

	assert.Equal(t, 2, env.stored(t, exc).CurrentStep, "the cursor never moves backwards")
	assert.Empty(t, env.loggedEvents(t, exc))
}

func TestPlaybookWorker_AdvanceRequestsNextStep(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-313", 0)
	env.create(t, exc)

	w := NewPlaybookWorker(env.deps)
	ev := stepOutcomeEvent(t, exc, 1, playbook.StepSuccess, false)
	require.NoError(t, w.Handle(context.Background(), ev))

	stored := env.stored(t, exc)
	assert.Equal(t, 1, stored.CurrentStep)
	assert.Equal(t, models.StatusAnalyzing, stored.Status)

	evs := env.loggedEvents(t, exc)
	require.Len(t, evs, 1)
	req, err := events.Decode[events.StepExecutionRequestedPayload](evs[0])
	require.NoError(t, err)
	assert.Equal(t, 2, req.StepNumber)
	assert.Equal(t, "triggerSettlementRetry", req.Action)
}

func TestPlaybookWorker_FinalStepResolves(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-314", 1)
	env.create(t, exc)

	w := NewPlaybookWorker(env.deps)
	ev := stepOutcomeEvent(t, exc, 2, playbook.StepSuccess, false)
	require.NoError(t, w.Handle(context.Background(), ev))

	stored := env.stored(t, exc)
	assert.Equal(t, models.StatusResolved, stored.Status)
	assert.Equal(t, 2, stored.CurrentStep)

	evs := env.loggedEvents(t, exc)
	require.Len(t, evs, 1)
	done, err := events.Decode[events.ResolutionCompletedPayload](evs[0])
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusResolved), done.Status)
	assert.False(t, done.Halted)
}

func TestPlaybookWorker_HaltedStepEscalates(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-315", 0)
	env.create(t, exc)

	w := NewPlaybookWorker(env.deps)
	ev := stepOutcomeEvent(t, exc, 1, playbook.StepFailed, true)
	require.NoError(t, w.Handle(context.Background(), ev))

	stored := env.stored(t, exc)
	assert.Equal(t, models.StatusEscalated, stored.Status)
	assert.Equal(t, 1, stored.CurrentStep)

	evs := env.loggedEvents(t, exc)
	require.Len(t, evs, 1)
	done, err := events.Decode[events.ResolutionCompletedPayload](evs[0])
	require.NoError(t, err)
	assert.True(t, done.Halted)
}

func TestPlaybookWorker_ApprovalOutcomeHolds(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-316", 0)
	env.create(t, exc)

	w := NewPlaybookWorker(env.deps)
	ev := stepOutcomeEvent(t, exc, 1, playbook.StepNeedsApproval, false)
	require.NoError(t, w.Handle(context.Background(), ev))

	assert.Equal(t, models.StatusNeedsApproval, env.stored(t, exc).Status)
}

func TestPlaybookWorker_PackDriftEscalates(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-317", 0)
	exc.CurrentPlaybookID = "pb-retired"
	env.create(t, exc)

	w := NewPlaybookWorker(env.deps)
	require.NoError(t, w.Handle(context.Background(), matchedEvent(t, exc)))

	assert.Equal(t, models.StatusEscalated, env.stored(t, exc).Status,
		"a selection that no longer matches the active pack must not execute")
}

// ────────────────────────────────────────────────────────────
// Step worker
// ────────────────────────────────────────────────────────────

func stepRequestEvent(t *testing.T, exc *models.Exception, stepNumber int, action string) models.CanonicalEvent {
	t.Helper()
	return mustEvent(t, models.EventStepExecutionRequested, exc, events.StepExecutionRequestedPayload{
		ExceptionID: exc.ExceptionID,
		PlaybookID:  exc.CurrentPlaybookID,
		StepNumber:  stepNumber,
		Action:      action,
	})
}

func TestStepWorker_ExecutesAndReports(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-320", 0)
	env.create(t, exc)

	w := NewStepWorker(env.deps)
	require.NoError(t, w.Handle(context.Background(), stepRequestEvent(t, exc, 1, "getSettlement")))

	evs := env.loggedEvents(t, exc)
	require.Len(t, evs, 1)
	done, err := events.Decode[events.StepExecutionCompletedPayload](evs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, done.StepNumber)
	assert.Equal(t, string(playbook.StepSuccess), done.Status)
	assert.False(t, done.Halt)
}

func TestStepWorker_CriticalSeverityHolds(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-321", 0)
	exc.Severity = models.SeverityCritical
	env.create(t, exc)

	w := NewStepWorker(env.deps)
	require.NoError(t, w.Handle(context.Background(), stepRequestEvent(t, exc, 1, "getSettlement")))

	evs := env.loggedEvents(t, exc)
	require.Len(t, evs, 1)
	done, err := events.Decode[events.StepExecutionCompletedPayload](evs[0])
	require.NoError(t, err)
	assert.Equal(t, string(playbook.StepNeedsApproval), done.Status)
	assert.False(t, done.Halt)
}

func TestStepWorker_OutOfRangeReportsFailure(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-322", 6)
	env.create(t, exc)

	w := NewStepWorker(env.deps)
	require.NoError(t, w.Handle(context.Background(), stepRequestEvent(t, exc, 7, "getSettlement")))

	evs := env.loggedEvents(t, exc)
	require.Len(t, evs, 1)
	done, err := events.Decode[events.StepExecutionCompletedPayload](evs[0])
	require.NoError(t, err)
	assert.Equal(t, string(playbook.StepFailed), done.Status)
	assert.True(t, done.Halt)
	assert.Contains(t, done.Reason, "out of range")
}

func TestStepWorker_TerminalReplayAcked(t *testing.T) {
	env := newWorkerEnv(t)
	env.seedBinding(t)
	exc := openRunException("EX-323", 2)
	exc.Status = models.StatusResolved
	env.create(t, exc)

	w := NewStepWorker(env.deps)
	require.NoError(t, w.Handle(context.Background(), stepRequestEvent(t, exc, 1, "getSettlement")))

	assert.Empty(t, env.loggedEvents(t, exc), "no tool may run after the conclusion")
}

// ────────────────────────────────────────────────────────────
// Feedback worker
// ────────────────────────────────────────────────────────────

func TestFeedbackWorker_RecordsOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		status      models.ExceptionStatus
		currentStep int
		halted      bool
		wantFP      int
		wantFN      int
	}{
		{name: "executed resolution", status: models.StatusResolved, currentStep: 2},
		{name: "resolution without execution", status: models.StatusResolved, wantFP: 1},
		{name: "halted escalation", status: models.StatusEscalated, currentStep: 1, halted: true, wantFN: 1},
		{name: "supervisor escalation", status: models.StatusEscalated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newWorkerEnv(t)
			env.seedBinding(t)
			exc := openRunException("EX-330", tt.currentStep)
			exc.Status = tt.status
			env.create(t, exc)

			w := NewFeedbackWorker(env.deps)
			ev := mustEvent(t, models.EventResolutionCompleted, exc, events.ResolutionCompletedPayload{
				ExceptionID: exc.ExceptionID,
				Status:      string(tt.status),
				Halted:      tt.halted,
			})
			require.NoError(t, w.Handle(context.Background(), ev))

			stats, err := env.stores.Feedback.Stats(context.Background(), "TENANT_A", "SETTLEMENT_FAIL")
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Total)
			assert.Equal(t, tt.wantFP, stats.FalsePositives)
			assert.Equal(t, tt.wantFN, stats.FalseNegatives)
		})
	}
}

func TestSyntheticReport(t *testing.T) {
	exc := openRunException("EX-331", 0)
	assert.Nil(t, syntheticReport(exc, false))

	exc.CurrentStep = 2
	report := syntheticReport(exc, false)
	require.NotNil(t, report)
	require.Len(t, report.Steps, 2)
	assert.False(t, report.Halted)
	for _, res := range report.Steps {
		assert.Equal(t, playbook.StepSuccess, res.Status)
	}

	exc.CurrentStep = 3
	report = syntheticReport(exc, true)
	require.NotNil(t, report)
	require.Len(t, report.Steps, 3)
	assert.True(t, report.Halted)
	assert.Equal(t, playbook.StepFailed, report.Steps[2].Status)
	assert.Equal(t, playbook.StepSuccess, report.Steps[0].Status)
}
