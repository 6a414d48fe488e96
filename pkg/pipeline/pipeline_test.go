package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/agent"
	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/breaker"
	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/pack"
	"github.com/exceptionops/remsy/pkg/playbook"
	"github.com/exceptionops/remsy/pkg/store"
	"github.com/exceptionops/remsy/pkg/tools"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// financePack declares three exception types: one with an approved playbook,
// one high-severity without a playbook, and one informational. The approval
// threshold sits below the rule-based detection confidence so an undisputed
// detection run executes without a human.
func financePack() *models.DomainPack {
	return &models.DomainPack{
		DomainName: "Finance",
		Version:    "1.4.0",
		ExceptionTypes: map[string]models.ExceptionTypeDef{
			"SETTLEMENT_FAIL": {
				DetectionRules: []models.DetectionRule{
					{Field: "errorCode", Operator: models.OpEquals, Value: "SETTLE-504"},
				},
				SeverityRules: []models.SeverityRule{
					{Severity: models.SeverityCritical, When: []models.DetectionRule{
						{Field: "amount", Operator: models.OpGreaterThan, Value: 1000000},
					}},
					{Severity: models.SeverityHigh, When: []models.DetectionRule{
						{Field: "amount", Operator: models.OpGreaterThan, Value: 100000},
					}},
				},
				DefaultSeverity: models.SeverityMedium,
			},
			"PAYMENT_LOOP": {
				DetectionRules: []models.DetectionRule{
					{Field: "errorCode", Operator: models.OpEquals, Value: "PAY-LOOP"},
				},
				DefaultSeverity: models.SeverityHigh,
			},
			"DATA_QUALITY": {
				DetectionRules: []models.DetectionRule{
					{Field: "errorCode", Operator: models.OpEquals, Value: "DQ-001"},
				},
				DefaultSeverity: models.SeverityLow,
			},
		},
		Tools: map[string]models.ToolDefinition{
			"getSettlement":          {Endpoint: "https://finance.internal/settlements/get"},
			"triggerSettlementRetry": {Endpoint: "https://finance.internal/settlements/retry"},
		},
		Playbooks: []models.Playbook{
			{
				PlaybookID:    "pb-settlement-fail",
				ExceptionType: "SETTLEMENT_FAIL",
				Steps: []models.PlaybookStep{
					{Action: "getSettlement", StepOrder: 1, Parameters: map[string]any{"settlementId": "{{settlementId}}"}},
					{Action: "triggerSettlementRetry", StepOrder: 2, Parameters: map[string]any{"settlementId": "{{settlementId}}"}},
				},
			},
		},
		Guardrails: models.Guardrails{
			AllowedTools:           []string{"getSettlement", "triggerSettlementRetry"},
			HumanApprovalThreshold: 0.7,
		},
	}
}

func financePolicy() *models.TenantPolicyPack {
	return &models.TenantPolicyPack{
		TenantID:      "TENANT_A",
		DomainName:    "Finance",
		Version:       "7",
		ApprovedTools: []string{"getSettlement", "triggerSettlementRetry"},
	}
}

func settlementException(amount float64) *models.Exception {
	exc := models.NewException("EX-100", "TENANT_A", "sap", "Finance", map[string]any{
		"errorCode": "SETTLE-504",
		"rawNote":   "settlement stuck in clearing",
	})
	exc.NormalizedContext = map[string]any{
		"errorCode":    "SETTLE-504",
		"settlementId": "STL-9",
		"amount":       amount,
	}
	return exc
}

func financeException(exceptionID, errorCode string) *models.Exception {
	exc := models.NewException(exceptionID, "TENANT_A", "sap", "Finance", map[string]any{
		"errorCode": errorCode,
	})
	exc.NormalizedContext = map[string]any{"errorCode": errorCode}
	return exc
}

type runnerEnv struct {
	runner   *Runner
	stages   Stages
	stores   *store.Stores
	registry *pack.Registry
}

func newRunnerEnv(t *testing.T, caller agent.LLMCaller) *runnerEnv {
	t.Helper()
	l := discardLog()
	stores := store.NewMemoryStores()

	engine := playbook.NewEngine(
		tools.NewInvoker(tools.WithLogger(l)),
		playbook.WithLogger(l),
	)
	stages := Stages{
		Triage:     agent.NewTriage(caller, agent.WithLogger(l)),
		Policy:     agent.NewPolicy(caller, agent.WithLogger(l)),
		Resolution: agent.NewResolution(caller, engine, agent.WithLogger(l)),
		Supervisor: agent.NewSupervisor(caller, agent.WithLogger(l)),
		Feedback:   agent.NewFeedback(caller, stores.Feedback, agent.FeedbackConfig{}, agent.WithLogger(l)),
	}

	registry := pack.NewRegistry()
	runner := NewRunner(registry, stages, stores.Exceptions,
		WithEventLog(stores.Events),
		WithAuditSink(stores.Audit),
		WithDryRun(true),
		WithLogger(l),
	)
	return &runnerEnv{runner: runner, stages: stages, stores: stores, registry: registry}
}

func (e *runnerEnv) seedBinding(t *testing.T) {
	t.Helper()
	require.NoError(t, e.registry.RegisterDomainPack("TENANT_A", financePack()))
	require.NoError(t, e.registry.RegisterTenantPolicy(financePolicy()))
}

func (e *runnerEnv) ingest(t *testing.T, exc *models.Exception) {
	t.Helper()
	require.NoError(t, e.stores.Exceptions.Create(context.Background(), exc))
}

func (e *runnerEnv) loggedEvents(t *testing.T, exc *models.Exception) []models.CanonicalEvent {
	t.Helper()
	evs, err := e.stores.Events.EventsFor(context.Background(), exc.TenantID, exc.ExceptionID)
	require.NoError(t, err)
	return evs
}

func eventTypes(evs []models.CanonicalEvent) []models.EventType {
	out := make([]models.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.EventType)
	}
	return out
}

func TestRunner_ApprovedFlowResolves(t *testing.T) {
	env := newRunnerEnv(t, nil)
	env.seedBinding(t)
	exc := settlementException(125000)
	env.ingest(t, exc)

	res, err := env.runner.Run(context.Background(), exc)
	require.NoError(t, err)

	assert.Equal(t, models.StatusResolved, exc.Status)
	assert.Equal(t, "SETTLEMENT_FAIL", exc.ExceptionType)
	assert.Equal(t, models.SeverityHigh, exc.Severity)
	assert.Equal(t, "pb-settlement-fail", exc.CurrentPlaybookID)
	assert.Equal(t, 2, exc.CurrentStep)

	require.NotNil(t, res.Report)
	require.Len(t, res.Report.Steps, 2)
	for _, step := range res.Report.Steps {
		assert.Equal(t, playbook.StepSuccess, step.Status)
		require.NotNil(t, step.Invocation)
		assert.True(t, step.Invocation.DryRun)
	}
	assert.False(t, res.Report.Halted)
	assert.False(t, res.Report.NeedsApproval)

	// The second checkpoint overwrites the supervisor's decision slot.
	for _, stage := range []string{
		models.StageTriage, models.StagePolicy, models.StageResolution,
		models.StageSupervisor, models.StageFeedback,
	} {
		assert.Contains(t, res.Decisions, stage)
	}
	assert.Equal(t, agent.CheckpointPostResolution, CheckpointOf(res.Decisions[models.StageSupervisor]))
	assert.Equal(t, agent.ResolutionExecute, res.Decisions[models.StageResolution].Decision)

	stored, err := env.stores.Exceptions.Get(context.Background(), "TENANT_A", "EX-100")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, stored.Status)
	assert.Equal(t, "pb-settlement-fail", stored.CurrentPlaybookID)

	evs := env.loggedEvents(t, exc)
	assert.Equal(t, []models.EventType{
		models.EventTriageCompleted,
		models.EventPolicyEvaluated,
		models.EventPlaybookMatched,
		models.EventResolutionCompleted,
	}, eventTypes(evs))

	matched, err := events.Decode[events.PlaybookMatchedPayload](evs[2])
	require.NoError(t, err)
	assert.Equal(t, "pb-settlement-fail", matched.PlaybookID)
	assert.Equal(t, 2, matched.TotalSteps)
	assert.Equal(t, "Finance", matched.Domain)

	stats, err := env.stores.Feedback.Stats(context.Background(), "TENANT_A", "SETTLEMENT_FAIL")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Resolved)
	assert.Zero(t, stats.FalsePositives)
}

func TestRunner_CriticalSeverityGatesExecution(t *testing.T) {
	env := newRunnerEnv(t, nil)
	env.seedBinding(t)
	exc := settlementException(2500000)
	env.ingest(t, exc)

	res, err := env.runner.Run(context.Background(), exc)
	require.NoError(t, err)

	assert.Equal(t, models.SeverityCritical, exc.Severity)
	assert.Equal(t, models.StatusNeedsApproval, exc.Status)

	// Every step was recorded but none invoked a tool.
	require.NotNil(t, res.Report)
	assert.True(t, res.Report.NeedsApproval)
	require.Len(t, res.Report.Steps, 2)
	for _, step := range res.Report.Steps {
		assert.Equal(t, playbook.StepNeedsApproval, step.Status)
		assert.Nil(t, step.Invocation)
	}

	evs := env.loggedEvents(t, exc)
	require.Len(t, evs, 4)
	concluded, err := events.Decode[events.ResolutionCompletedPayload](evs[3])
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusNeedsApproval), concluded.Status)
	assert.False(t, concluded.Halted)

	stats, err := env.stores.Feedback.Stats(context.Background(), "TENANT_A", "SETTLEMENT_FAIL")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NeedsApproval)
}

func TestRunner_BlockedHighSeverityEscalates(t *testing.T) {
	env := newRunnerEnv(t, nil)
	env.seedBinding(t)
	exc := financeException("EX-200", "PAY-LOOP")
	env.ingest(t, exc)

	res, err := env.runner.Run(context.Background(), exc)
	require.NoError(t, err)

	assert.Equal(t, "PAYMENT_LOOP", exc.ExceptionType)
	assert.Equal(t, models.SeverityHigh, exc.Severity)
	assert.Equal(t, models.StatusEscalated, exc.Status)
	assert.Empty(t, exc.CurrentPlaybookID)

	// The supervisor stopped the run at the first checkpoint; resolution
	// never ran.
	assert.NotContains(t, res.Decisions, models.StageResolution)
	assert.Nil(t, res.Report)
	sd := res.Decisions[models.StageSupervisor]
	assert.Equal(t, models.SupervisorEscalated, sd.Decision)
	assert.Equal(t, agent.CheckpointPostPolicy, CheckpointOf(sd))

	types := eventTypes(env.loggedEvents(t, exc))
	assert.Equal(t, []models.EventType{
		models.EventTriageCompleted,
		models.EventPolicyEvaluated,
		models.EventResolutionCompleted,
	}, types)

	stats, err := env.stores.Feedback.Stats(context.Background(), "TENANT_A", "PAYMENT_LOOP")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Escalated)
	assert.Zero(t, stats.FalseNegatives)
}

func TestRunner_InfoOnlyBlockResolves(t *testing.T) {
	env := newRunnerEnv(t, nil)
	env.seedBinding(t)
	exc := financeException("EX-300", "DQ-001")
	env.ingest(t, exc)

	res, err := env.runner.Run(context.Background(), exc)
	require.NoError(t, err)

	assert.Equal(t, "DATA_QUALITY", exc.ExceptionType)
	assert.Equal(t, models.SeverityLow, exc.Severity)
	assert.Equal(t, models.StatusResolved, exc.Status)

	rd := res.Decisions[models.StageResolution]
	assert.Equal(t, agent.ResolutionNoAction, rd.Decision)
	assert.Nil(t, res.Report)
	assert.NotContains(t, eventTypes(env.loggedEvents(t, exc)), models.EventPlaybookMatched)

	// Resolving without executing anything counts as a false positive.
	stats, err := env.stores.Feedback.Stats(context.Background(), "TENANT_A", "DATA_QUALITY")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 1, stats.FalsePositives)
}

func TestRunner_LowConfidenceIntervenes(t *testing.T) {
	env := newRunnerEnv(t, nil)
	env.seedBinding(t)
	exc := financeException("EX-400", "MYSTERY-1")
	env.ingest(t, exc)

	res, err := env.runner.Run(context.Background(), exc)
	require.NoError(t, err)

	assert.Equal(t, agent.TypeUnclassified, exc.ExceptionType)
	assert.Equal(t, models.StatusPendingApproval, exc.Status)

	sd := res.Decisions[models.StageSupervisor]
	assert.Equal(t, models.SupervisorIntervened, sd.Decision)
	assert.Equal(t, agent.CheckpointPostPolicy, CheckpointOf(sd))
	assert.NotContains(t, res.Decisions, models.StageResolution)
}

func TestRunner_MissingBindingDegrades(t *testing.T) {
	env := newRunnerEnv(t, nil)
	exc := financeException("EX-500", "SETTLE-504")
	env.ingest(t, exc)

	res, err := env.runner.Run(context.Background(), exc)
	require.NoError(t, err)

	// Without a pack nothing is declared, so the chain blocks and closes the
	// exception instead of failing the run.
	assert.Equal(t, agent.TypeUnclassified, exc.ExceptionType)
	assert.Equal(t, models.StatusResolved, exc.Status)
	assert.Nil(t, res.Report)
}

type failingExceptionStore struct {
	store.ExceptionStore
}

func (f *failingExceptionStore) Update(context.Context, *models.Exception) error {
	return errors.New("connection reset")
}

func TestRunner_PersistFailureAborts(t *testing.T) {
	env := newRunnerEnv(t, nil)
	env.seedBinding(t)
	exc := settlementException(125000)
	env.ingest(t, exc)

	runner := NewRunner(env.registry, env.stages,
		&failingExceptionStore{ExceptionStore: env.stores.Exceptions},
		WithLogger(discardLog()))

	_, err := runner.Run(context.Background(), exc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANALYZING")
	// The failed transition does not leak onto the record.
	assert.Equal(t, models.StatusOpen, exc.Status)
}

// degradedCaller answers every stage call from the rule path, as the breaker
// executor does when all providers are down.
type degradedCaller struct{}

func (degradedCaller) LLMOrRules(_ context.Context, in breaker.CallInput) breaker.CallResult {
	return breaker.CallResult{
		Output:   in.Rules(),
		Fallback: &breaker.FallbackInfo{Reason: "breaker open", Path: models.FallbackPathRuleBased},
	}
}

func TestRunner_FallbackEventsEmitted(t *testing.T) {
	env := newRunnerEnv(t, degradedCaller{})
	env.seedBinding(t)
	exc := settlementException(125000)
	env.ingest(t, exc)

	_, err := env.runner.Run(context.Background(), exc)
	require.NoError(t, err)

	// Rule-path answers match the rule core, so routing is unchanged.
	assert.Equal(t, models.StatusResolved, exc.Status)

	agents := make(map[string]bool)
	for _, ev := range env.loggedEvents(t, exc) {
		if ev.EventType != models.EventFallbackOccurred {
			continue
		}
		fb, err := events.Decode[events.FallbackOccurredPayload](ev)
		require.NoError(t, err)
		assert.Equal(t, models.FallbackPathRuleBased, fb.Path)
		assert.Equal(t, "breaker open", fb.Reason)
		agents[fb.Agent] = true
	}
	assert.True(t, agents[models.StageTriage])
	assert.True(t, agents[models.StagePolicy])
	assert.True(t, agents[models.StageSupervisor])
}

func TestRunner_TransitionAuditTrail(t *testing.T) {
	env := newRunnerEnv(t, nil)
	env.seedBinding(t)
	exc := settlementException(125000)
	env.ingest(t, exc)

	_, err := env.runner.Run(context.Background(), exc)
	require.NoError(t, err)

	sink, ok := env.stores.Audit.(*audit.MemorySink)
	require.True(t, ok)
	recs := sink.ByCategory(audit.CategoryTransition)
	require.Len(t, recs, 2)

	assert.Equal(t, string(models.StatusAnalyzing), recs[0].Status)
	assert.Equal(t, string(models.StatusOpen), recs[0].Detail["from"])
	assert.Equal(t, string(models.StatusResolved), recs[1].Status)
	assert.Equal(t, string(models.StatusAnalyzing), recs[1].Detail["from"])
	assert.Equal(t, "EX-100", recs[1].ExceptionID)
}

func TestTerminalStatus(t *testing.T) {
	approved := models.AgentDecision{Decision: models.SupervisorApprovedFlow}

	cases := []struct {
		name   string
		sd     models.AgentDecision
		rd     models.AgentDecision
		report *playbook.RunReport
		want   models.ExceptionStatus
	}{
		{
			name:   "supervisor escalation wins over a clean run",
			sd:     models.AgentDecision{Decision: models.SupervisorEscalated},
			report: &playbook.RunReport{},
			want:   models.StatusEscalated,
		},
		{
			name: "supervisor intervention holds for a human",
			sd:   models.AgentDecision{Decision: models.SupervisorIntervened},
			want: models.StatusPendingApproval,
		},
		{
			name:   "halted run escalates",
			sd:     approved,
			report: &playbook.RunReport{Halted: true},
			want:   models.StatusEscalated,
		},
		{
			name:   "gated run needs approval",
			sd:     approved,
			report: &playbook.RunReport{NeedsApproval: true},
			want:   models.StatusNeedsApproval,
		},
		{
			name:   "clean run resolves",
			sd:     approved,
			report: &playbook.RunReport{},
			want:   models.StatusResolved,
		},
		{
			name: "draft suggestion awaits review",
			sd:   approved,
			rd:   models.AgentDecision{NextStep: models.NextStepPendingApproval},
			want: models.StatusNeedsApproval,
		},
		{
			name: "resolution escalation without a run",
			sd:   approved,
			rd:   models.AgentDecision{NextStep: models.NextStepEscalate},
			want: models.StatusEscalated,
		},
		{
			name: "no action resolves",
			sd:   approved,
			rd:   models.AgentDecision{NextStep: models.NextStepComplete},
			want: models.StatusResolved,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := terminalStatus(tc.sd, tc.rd, tc.report)
			assert.Equal(t, tc.want, got)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestStoreCaseFinder_SimilarCases(t *testing.T) {
	ctx := context.Background()
	excs := store.NewMemoryExceptionStore()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	seed := func(id, exceptionType string, severity models.Severity, status models.ExceptionStatus, playbookID string, offset time.Duration) {
		exc := financeException(id, "SETTLE-504")
		exc.ExceptionType = exceptionType
		exc.Severity = severity
		exc.Status = status
		exc.CurrentPlaybookID = playbookID
		exc.CreatedAt = base.Add(offset)
		require.NoError(t, excs.Create(ctx, exc))
	}
	seed("EX-1", "SETTLEMENT_FAIL", models.SeverityHigh, models.StatusResolved, "pb-settlement-fail", 0)
	seed("EX-2", "DATA_QUALITY", models.SeverityLow, models.StatusResolved, "", time.Minute)
	seed("EX-3", "SETTLEMENT_FAIL", models.SeverityHigh, models.StatusOpen, "", 2*time.Minute)
	seed("EX-100", "SETTLEMENT_FAIL", models.SeverityHigh, models.StatusResolved, "", 3*time.Minute)

	finder := NewStoreCaseFinder(excs)
	cases, err := finder.SimilarCases(ctx, financeException("EX-100", "SETTLE-504"))
	require.NoError(t, err)

	// Newest first, open runs and the exception itself excluded.
	assert.Equal(t, []string{
		"EX-2 resolved as DATA_QUALITY/LOW",
		"EX-1 resolved as SETTLEMENT_FAIL/HIGH via pb-settlement-fail",
	}, cases)
}
