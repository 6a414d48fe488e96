package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/models"
)

func sampleException(tenantID, exceptionID string, createdAt time.Time) *models.Exception {
	exc := models.NewException(exceptionID, tenantID, "kafka-settlements", "finance", map[string]any{
		"errorCode": "SETTLE-504",
	})
	exc.CreatedAt = createdAt
	exc.NormalizedContext = map[string]any{"settlementId": "STL-9"}
	return exc
}

func TestMemoryExceptionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryExceptionStore()

	exc := sampleException("TENANT_A", "EX-1", time.Now().UTC())
	require.NoError(t, s.Create(ctx, exc))

	got, err := s.Get(ctx, "TENANT_A", "EX-1")
	require.NoError(t, err)
	assert.Equal(t, exc, got)

	// The store holds clones: later mutation of either side must not leak.
	exc.NormalizedContext["settlementId"] = "mutated"
	got.Status = models.StatusResolved

	fresh, err := s.Get(ctx, "TENANT_A", "EX-1")
	require.NoError(t, err)
	assert.Equal(t, "STL-9", fresh.NormalizedContext["settlementId"])
	assert.Equal(t, models.StatusOpen, fresh.Status)
}

func TestMemoryExceptionStore_DuplicateCreateConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryExceptionStore()

	require.NoError(t, s.Create(ctx, sampleException("TENANT_A", "EX-1", time.Now().UTC())))

	err := s.Create(ctx, sampleException("TENANT_A", "EX-1", time.Now().UTC()))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflict))

	// Same id under another tenant is a distinct record.
	require.NoError(t, s.Create(ctx, sampleException("TENANT_B", "EX-1", time.Now().UTC())))
}

func TestMemoryExceptionStore_GetScopedToTenant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryExceptionStore()

	require.NoError(t, s.Create(ctx, sampleException("TENANT_A", "EX-1", time.Now().UTC())))

	_, err := s.Get(ctx, "TENANT_B", "EX-1")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestMemoryExceptionStore_Update(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryExceptionStore()

	exc := sampleException("TENANT_A", "EX-1", time.Now().UTC())
	require.NoError(t, s.Create(ctx, exc))

	exc.Status = models.StatusAnalyzing
	exc.ExceptionType = "SETTLEMENT_FAIL"
	exc.CurrentStep = 2
	require.NoError(t, s.Update(ctx, exc))

	got, err := s.Get(ctx, "TENANT_A", "EX-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnalyzing, got.Status)
	assert.Equal(t, "SETTLEMENT_FAIL", got.ExceptionType)
	assert.Equal(t, 2, got.CurrentStep)

	err = s.Update(ctx, sampleException("TENANT_A", "EX-404", time.Now().UTC()))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestMemoryExceptionStore_ListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryExceptionStore()

	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	oldest := sampleException("TENANT_A", "EX-1", base)
	middle := sampleException("TENANT_A", "EX-2", base.Add(time.Minute))
	middle.Domain = "logistics"
	newest := sampleException("TENANT_A", "EX-3", base.Add(2*time.Minute))
	newest.Status = models.StatusResolved
	for _, exc := range []*models.Exception{oldest, middle, newest} {
		require.NoError(t, s.Create(ctx, exc))
	}
	require.NoError(t, s.Create(ctx, sampleException("TENANT_B", "EX-9", base)))

	all, err := s.List(ctx, "TENANT_A", ExceptionQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "EX-3", all[0].ExceptionID)
	assert.Equal(t, "EX-2", all[1].ExceptionID)
	assert.Equal(t, "EX-1", all[2].ExceptionID)

	finance, err := s.List(ctx, "TENANT_A", ExceptionQuery{Domain: "finance"})
	require.NoError(t, err)
	require.Len(t, finance, 2)

	resolved, err := s.List(ctx, "TENANT_A", ExceptionQuery{Status: models.StatusResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "EX-3", resolved[0].ExceptionID)

	limited, err := s.List(ctx, "TENANT_A", ExceptionQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "EX-3", limited[0].ExceptionID)
}

func TestMemoryEventStore_EventsForFiltersTenantAndCorrelation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEventStore()

	first := models.NewCanonicalEvent(models.EventExceptionIngested, "TENANT_A", "EX-1", map[string]any{"n": 1})
	second := models.NewCanonicalEvent(models.EventTriageCompleted, "TENANT_A", "EX-1", map[string]any{"n": 2})
	other := models.NewCanonicalEvent(models.EventExceptionIngested, "TENANT_A", "EX-2", nil)
	foreign := models.NewCanonicalEvent(models.EventExceptionIngested, "TENANT_B", "EX-1", nil)
	for _, ev := range []models.CanonicalEvent{first, second, other, foreign} {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	got, err := s.EventsFor(ctx, "TENANT_A", "EX-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.EventID, got[0].EventID)
	assert.Equal(t, second.EventID, got[1].EventID)
}

func TestMemoryProcessingStore_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProcessingStore()

	require.NoError(t, s.MarkProcessing(ctx, "ev-1", "triage"))

	// A second claim while in flight is a duplicate delivery.
	err := s.MarkProcessing(ctx, "ev-1", "triage")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflict))

	// Another group claims the same event independently.
	require.NoError(t, s.MarkProcessing(ctx, "ev-1", "feedback"))

	require.NoError(t, s.MarkCompleted(ctx, "ev-1", "triage"))
	err = s.MarkProcessing(ctx, "ev-1", "triage")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflict))

	status, ok, err := s.Status(ctx, "ev-1", "triage")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ProcessingCompleted, status)
}

func TestMemoryProcessingStore_FailedRowsAreReclaimable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProcessingStore()

	require.NoError(t, s.MarkProcessing(ctx, "ev-1", "triage"))
	require.NoError(t, s.MarkFailed(ctx, "ev-1", "triage", assert.AnError))

	status, ok, err := s.Status(ctx, "ev-1", "triage")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ProcessingFailed, status)

	// Redelivery claims the failed row again.
	require.NoError(t, s.MarkProcessing(ctx, "ev-1", "triage"))

	status, ok, err = s.Status(ctx, "ev-1", "triage")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ProcessingInFlight, status)
}

func TestMemoryProcessingStore_StatusMissing(t *testing.T) {
	_, ok, err := NewMemoryProcessingStore().Status(context.Background(), "ev-404", "triage")
	require.NoError(t, err)
	assert.False(t, ok)
}

func samplePack(version string) *models.DomainPack {
	return &models.DomainPack{
		DomainName: "finance",
		Version:    version,
		Playbooks: []models.Playbook{{
			PlaybookID: "pb-settlement-fail",
			Steps: []models.PlaybookStep{
				{StepID: "s1", Action: "getSettlement", StepOrder: 1},
			},
		}},
	}
}

func TestMemoryPackStore_DomainPackLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPackStore()

	pack := samplePack("1.0.0")
	require.NoError(t, s.SaveDomainPack(ctx, "TENANT_A", pack))

	err := s.SaveDomainPack(ctx, "TENANT_A", samplePack("1.0.0"))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflict))

	// Versions are immutable once saved: mutate the input, reload, compare.
	pack.Playbooks[0].PlaybookID = "mutated"
	got, err := s.DomainPack(ctx, "TENANT_A", "finance", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "pb-settlement-fail", got.Playbooks[0].PlaybookID)

	_, err = s.DomainPack(ctx, "TENANT_A", "finance", "9.9.9")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))

	_, err = s.DomainPack(ctx, "TENANT_B", "finance", "1.0.0")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestMemoryPackStore_ActivateSwapsAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPackStore()

	require.NoError(t, s.SaveDomainPack(ctx, "TENANT_A", samplePack("1.0.0")))
	require.NoError(t, s.SaveDomainPack(ctx, "TENANT_A", samplePack("1.1.0")))

	require.NoError(t, s.ActivateDomainPack(ctx, "TENANT_A", "finance", "1.0.0"))
	require.NoError(t, s.ActivateDomainPack(ctx, "TENANT_A", "finance", "1.1.0"))

	versions, err := s.DomainPackVersions(ctx, "TENANT_A", "finance")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "1.0.0", versions[0].Version)
	assert.False(t, versions[0].Active)
	assert.Equal(t, "1.1.0", versions[1].Version)
	assert.True(t, versions[1].Active)

	err = s.ActivateDomainPack(ctx, "TENANT_A", "finance", "9.9.9")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))

	// The failed activation must not have touched the active flag.
	versions, err = s.DomainPackVersions(ctx, "TENANT_A", "finance")
	require.NoError(t, err)
	assert.True(t, versions[1].Active)
}

func TestMemoryPackStore_TenantPolicyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPackStore()

	policy := &models.TenantPolicyPack{
		TenantID:      "TENANT_A",
		DomainName:    "finance",
		Version:       "2.0.0",
		ApprovedTools: []string{"getSettlement"},
	}
	require.NoError(t, s.SaveTenantPolicy(ctx, policy))

	err := s.SaveTenantPolicy(ctx, policy)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflict))

	got, err := s.TenantPolicy(ctx, "TENANT_A", "finance", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"getSettlement"}, got.ApprovedTools)

	require.NoError(t, s.ActivateTenantPolicy(ctx, "TENANT_A", "finance", "2.0.0"))
	versions, err := s.TenantPolicyVersions(ctx, "TENANT_A", "finance")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].Active)
}

func TestMemoryFeedbackStore_RecordOutcomeAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFeedbackStore()

	stats, err := s.RecordOutcome(ctx, "TENANT_A", "SETTLEMENT_FAIL", models.StatusResolved, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Resolved)

	stats, err = s.RecordOutcome(ctx, "TENANT_A", "SETTLEMENT_FAIL", models.StatusEscalated, false, true)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Escalated)
	assert.Equal(t, 1, stats.FalseNegatives)

	stats, err = s.RecordOutcome(ctx, "TENANT_A", "SETTLEMENT_FAIL", models.StatusNeedsApproval, true, false)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.NeedsApproval)
	assert.Equal(t, 1, stats.FalsePositives)

	// Separate exception types keep separate counters.
	other, err := s.RecordOutcome(ctx, "TENANT_A", "DATA_QUALITY", models.StatusResolved, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Total)

	loaded, err := s.Stats(ctx, "TENANT_A", "SETTLEMENT_FAIL")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Total)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestMemoryFeedbackStore_StatsMissing(t *testing.T) {
	_, err := NewMemoryFeedbackStore().Stats(context.Background(), "TENANT_A", "SETTLEMENT_FAIL")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestMemoryFeedbackStore_Recommendations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFeedbackStore()

	first := models.NewFeedbackRecommendation("TENANT_A", "SETTLEMENT_FAIL",
		models.RecommendationGuardrailTuning, "false positive ratio 0.40 over 20 outcomes")
	second := models.NewFeedbackRecommendation("TENANT_A", "SETTLEMENT_FAIL",
		models.RecommendationPlaybookOptimization, "false negative ratio 0.45 over 20 outcomes")
	foreign := models.NewFeedbackRecommendation("TENANT_B", "SETTLEMENT_FAIL",
		models.RecommendationGuardrailTuning, "other tenant")
	for _, rec := range []*models.FeedbackRecommendation{first, second, foreign} {
		require.NoError(t, s.SaveRecommendation(ctx, rec))
	}

	got, err := s.Recommendations(ctx, "TENANT_A")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.RecommendationID, got[0].RecommendationID)
	assert.Equal(t, second.RecommendationID, got[1].RecommendationID)
	assert.True(t, got[0].ReviewRequired)
}

func TestMemoryTenantStore_EnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTenantStore()

	exists, err := s.TenantExists(ctx, "TENANT_A")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.EnsureTenant(ctx, "TENANT_A"))
	require.NoError(t, s.EnsureTenant(ctx, "TENANT_A"))

	exists, err = s.TenantExists(ctx, "TENANT_A")
	require.NoError(t, err)
	assert.True(t, exists)

	err = s.EnsureTenant(ctx, "")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidationFailed))
}
