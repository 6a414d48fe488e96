package pack

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/models"
)

// financePack builds a small settlement-failure pack used across the package
// tests.
func financePack(version string) *models.DomainPack {
	return &models.DomainPack{
		DomainName: "Finance",
		Version:    version,
		ExceptionTypes: map[string]models.ExceptionTypeDef{
			"SETTLEMENT_FAIL": {
				Description: "Settlement did not complete",
				DetectionRules: []models.DetectionRule{
					{Field: "errorCode", Operator: models.OpEquals, Value: "SETTLE-001"},
				},
				SeverityRules: []models.SeverityRule{
					{Severity: models.SeverityCritical, When: []models.DetectionRule{
						{Field: "amount", Operator: models.OpGreaterThan, Value: float64(100000)},
					}},
					{Severity: models.SeverityHigh},
				},
				DefaultSeverity: models.SeverityHigh,
			},
		},
		Tools: map[string]models.ToolDefinition{
			"getSettlement": {
				Endpoint:       "https://settlement.internal/api/get",
				TimeoutSeconds: 10,
				MaxRetries:     2,
				Parameters: map[string]models.ToolParameter{
					"orderId": {Type: "string", Required: true},
				},
			},
			"triggerSettlementRetry": {
				Endpoint:       "https://settlement.internal/api/retry",
				TimeoutSeconds: 30,
				MaxRetries:     1,
			},
		},
		Playbooks: []models.Playbook{
			{
				PlaybookID:    "pb-settlement-fail",
				ExceptionType: "SETTLEMENT_FAIL",
				Steps: []models.PlaybookStep{
					{Action: "getSettlement", Parameters: map[string]any{"orderId": "{{orderId}}"}},
					{Action: "triggerSettlementRetry", Parameters: map[string]any{"orderId": "{{orderId}}"}},
				},
			},
		},
		Guardrails: models.Guardrails{
			AllowedTools:           []string{"getSettlement", "triggerSettlementRetry"},
			HumanApprovalThreshold: 0.8,
		},
	}
}

func tenantAPolicy(version string) *models.TenantPolicyPack {
	return &models.TenantPolicyPack{
		TenantID:      "TENANT_A",
		DomainName:    "Finance",
		Version:       version,
		ApprovedTools: []string{"getSettlement", "triggerSettlementRetry"},
		HumanApprovalRules: []models.HumanApprovalRule{
			{Severity: models.SeverityHigh, RequireApproval: false},
			{Severity: models.SeverityCritical, RequireApproval: true},
		},
	}
}

func TestRegistry_FirstRegisteredVersionBecomesActive(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.0.0")))

	active, err := r.ActiveDomainPack("TENANT_A", "Finance")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", active.Version)

	// A later version waits for explicit activation.
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.1.0")))
	active, err = r.ActiveDomainPack("TENANT_A", "Finance")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", active.Version, "registering a second version must not displace the active one")

	require.NoError(t, r.ActivateDomainPack("TENANT_A", "Finance", "1.1.0"))
	active, err = r.ActiveDomainPack("TENANT_A", "Finance")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", active.Version)
}

func TestRegistry_GenerationBumpsOnActivation(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, uint64(0), r.Generation())

	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.0.0")))
	assert.Equal(t, uint64(1), r.Generation(), "implicit first activation bumps the generation")

	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.1.0")))
	assert.Equal(t, uint64(1), r.Generation(), "registering without activating must not bump")

	require.NoError(t, r.ActivateDomainPack("TENANT_A", "Finance", "1.1.0"))
	assert.Equal(t, uint64(2), r.Generation())
}

func TestRegistry_DuplicateVersionRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.0.0")))

	err := r.RegisterDomainPack("TENANT_A", financePack("1.0.0"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionExists))

	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindConflict, kind)
}

func TestRegistry_TenantIsolation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.0.0")))
	require.NoError(t, r.RegisterTenantPolicy(tenantAPolicy("1.0.0")))

	// Another tenant must not observe TENANT_A's packs.
	_, err := r.ActiveDomainPack("TENANT_B", "Finance")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDomainPackNotFound))

	_, err = r.ActiveTenantPolicy("TENANT_B", "Finance")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTenantPolicyNotFound))

	_, err = r.ListDomainPackVersions("TENANT_B", "Finance")
	require.Error(t, err)
}

func TestRegistry_CloneOnIngest(t *testing.T) {
	r := NewRegistry()
	p := financePack("1.0.0")
	require.NoError(t, r.RegisterDomainPack("TENANT_A", p))

	// Mutating the registrant's copy must not reach the published pack.
	p.Tools["stray"] = models.ToolDefinition{Endpoint: "https://example.invalid"}
	p.Playbooks[0].Steps[0].Parameters["orderId"] = "tampered"

	active, err := r.ActiveDomainPack("TENANT_A", "Finance")
	require.NoError(t, err)
	assert.False(t, active.HasTool("stray"))
	assert.Equal(t, "{{orderId}}", active.Playbooks[0].Steps[0].Parameters["orderId"])
}

func TestRegistry_ListVersions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.0.0")))
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("0.9.0")))

	versions, err := r.ListDomainPackVersions("TENANT_A", "Finance")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, VersionInfo{Version: "0.9.0", Active: false}, versions[0])
	assert.Equal(t, VersionInfo{Version: "1.0.0", Active: true}, versions[1])
}

func TestRegistry_ActivateUnknownVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.0.0")))

	err := r.ActivateDomainPack("TENANT_A", "Finance", "9.9.9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionNotFound))

	err = r.ActivateDomainPack("TENANT_A", "Commerce", "1.0.0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDomainPackNotFound))
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.0.0")))
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.1.0")))
	require.NoError(t, r.RegisterTenantPolicy(tenantAPolicy("1.0.0")))

	stats := r.Stats()
	assert.Equal(t, 1, stats.DomainBindings)
	assert.Equal(t, 2, stats.DomainVersions)
	assert.Equal(t, 1, stats.PolicyBindings)
	assert.Equal(t, 1, stats.PolicyVersions)
}

func TestEffectiveGuardrails_TenantOverlay(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.0.0")))

	policy := tenantAPolicy("1.0.0")
	policy.CustomGuardrails = &models.Guardrails{
		AllowedTools:           []string{"getSettlement"},
		HumanApprovalThreshold: 0.95,
	}
	require.NoError(t, r.RegisterTenantPolicy(policy))

	g, err := r.EffectiveGuardrails("TENANT_A", "Finance")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, g.HumanApprovalThreshold, 1e-9, "tenant threshold overrides domain baseline")
	assert.Equal(t, []string{"getSettlement"}, g.AllowedTools, "non-empty tenant list replaces the baseline list")
}

func TestEffectiveGuardrails_NoPolicyUsesBaseline(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDomainPack("TENANT_A", financePack("1.0.0")))

	g, err := r.EffectiveGuardrails("TENANT_A", "Finance")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, g.HumanApprovalThreshold, 1e-9)
	assert.ElementsMatch(t, []string{"getSettlement", "triggerSettlementRetry"}, g.AllowedTools)
}

func TestMergeGuardrails_EmptyOverlayFieldsKeepBaseline(t *testing.T) {
	base := &models.Guardrails{
		AllowedTools:           []string{"getSettlement"},
		HumanApprovalThreshold: 0.8,
	}
	merged, err := MergeGuardrails(base, &models.Guardrails{})
	require.NoError(t, err)
	assert.Equal(t, base.AllowedTools, merged.AllowedTools)
	assert.InDelta(t, 0.8, merged.HumanApprovalThreshold, 1e-9)

	// The merge works on a copy; the baseline stays untouched.
	merged.AllowedTools[0] = "tampered"
	assert.Equal(t, "getSettlement", base.AllowedTools[0])
}
