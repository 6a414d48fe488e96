package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/models"
)

// settlementPack is a compact Finance pack: a parented exception type pair
// and the settlement remediation tools.
func settlementPack() *models.DomainPack {
	return &models.DomainPack{
		DomainName: "Finance",
		Version:    "1.0.0",
		ExceptionTypes: map[string]models.ExceptionTypeDef{
			"TRANSACTION_FAIL": {Description: "Generic transaction failure"},
			"SETTLEMENT_FAIL": {
				Description: "Settlement did not complete",
				ParentType:  "TRANSACTION_FAIL",
			},
		},
		Tools: map[string]models.ToolDefinition{
			"getTransaction":         {Endpoint: "https://finance.internal/api/tx"},
			"getSettlement":          {Endpoint: "https://finance.internal/api/settlement"},
			"triggerSettlementRetry": {Endpoint: "https://finance.internal/api/retry"},
		},
		Playbooks: []models.Playbook{
			{
				PlaybookID:    "pb-transaction-fail",
				ExceptionType: "TRANSACTION_FAIL",
				Steps: []models.PlaybookStep{
					{Action: "getTransaction", Parameters: map[string]any{"txId": "{{txId}}"}},
				},
			},
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
			AllowedTools:           []string{"getTransaction", "getSettlement", "triggerSettlementRetry"},
			HumanApprovalThreshold: 0.8,
		},
	}
}

func settlementPolicy() *models.TenantPolicyPack {
	return &models.TenantPolicyPack{
		TenantID:      "TENANT_A",
		DomainName:    "Finance",
		Version:       "1.0.0",
		ApprovedTools: []string{"getTransaction", "getSettlement", "triggerSettlementRetry"},
	}
}

func TestMatchDomainPlaybookComposesParent(t *testing.T) {
	pb := Match(settlementPolicy(), settlementPack(), "SETTLEMENT_FAIL")
	require.NotNil(t, pb)

	assert.Equal(t, "SETTLEMENT_FAIL", pb.ExceptionType, "composed playbook stays keyed by the child type")
	require.Len(t, pb.Steps, 3)
	assert.Equal(t, "getTransaction", pb.Steps[0].Action, "parent steps run first")
	assert.Equal(t, "getSettlement", pb.Steps[1].Action)
	assert.Equal(t, "triggerSettlementRetry", pb.Steps[2].Action)
}

func TestMatchWithoutParentKeepsOwnSteps(t *testing.T) {
	pb := Match(settlementPolicy(), settlementPack(), "TRANSACTION_FAIL")
	require.NotNil(t, pb)
	require.Len(t, pb.Steps, 1)
	assert.Equal(t, "getTransaction", pb.Steps[0].Action)
}

func TestMatchCustomPlaybookWinsAndNeverComposes(t *testing.T) {
	policy := settlementPolicy()
	policy.CustomPlaybooks = []models.Playbook{
		{
			PlaybookID:    "pb-custom-settlement",
			ExceptionType: "SETTLEMENT_FAIL",
			Steps: []models.PlaybookStep{
				{Action: "notify", Parameters: map[string]any{"channel": "#payments"}},
			},
		},
	}

	pb := Match(policy, settlementPack(), "SETTLEMENT_FAIL")
	require.NotNil(t, pb)
	assert.Equal(t, "pb-custom-settlement", pb.PlaybookID)
	require.Len(t, pb.Steps, 1, "custom playbooks skip parent composition")
}

func TestMatchUnapprovedDomainPlaybookReturnsNil(t *testing.T) {
	policy := settlementPolicy()
	policy.ApprovedTools = []string{"getSettlement"} // parent's getTransaction unapproved

	assert.Nil(t, Match(policy, settlementPack(), "SETTLEMENT_FAIL"))
}

func TestMatchNoPlaybookReturnsNil(t *testing.T) {
	assert.Nil(t, Match(settlementPolicy(), settlementPack(), "UNKNOWN_TYPE"))
	assert.Nil(t, Match(settlementPolicy(), nil, "SETTLEMENT_FAIL"))
}

func TestMatchReturnsClone(t *testing.T) {
	dp := settlementPack()
	pb := Match(settlementPolicy(), dp, "TRANSACTION_FAIL")
	require.NotNil(t, pb)

	pb.Steps[0].Action = "mutated"
	assert.Equal(t, "getTransaction", dp.Playbooks[0].Steps[0].Action, "matching must not mutate the pack")
}

func TestMatchSortsByStepOrder(t *testing.T) {
	dp := settlementPack()
	dp.Playbooks = []models.Playbook{
		{
			PlaybookID:    "pb-ordered",
			ExceptionType: "TRANSACTION_FAIL",
			Steps: []models.PlaybookStep{
				{Action: "getTransaction", StepOrder: 2},
				{Action: "notify", StepOrder: 1},
			},
		},
	}

	pb := Match(settlementPolicy(), dp, "TRANSACTION_FAIL")
	require.NotNil(t, pb)
	assert.Equal(t, "notify", pb.Steps[0].Action)
	assert.Equal(t, "getTransaction", pb.Steps[1].Action)
}

func TestApproved(t *testing.T) {
	pb := &models.Playbook{
		Steps: []models.PlaybookStep{
			{Action: "notify"}, // declarative, no tool
			{Action: "getSettlement"},
		},
	}

	assert.True(t, Approved(settlementPolicy(), pb))
	assert.False(t, Approved(&models.TenantPolicyPack{}, pb))
	assert.False(t, Approved(nil, pb), "a nil policy approves nothing")
	assert.True(t, Approved(nil, &models.Playbook{Steps: []models.PlaybookStep{{Action: "notify"}}}),
		"tool-free playbooks need no approval")
}

func testException() *models.Exception {
	exc := models.NewException("EX-001", "TENANT_A", "sap", "Finance", map[string]any{
		"errorCode": "SETTLE-001",
		"rawNote":   "from raw payload",
	})
	exc.ExceptionType = "SETTLEMENT_FAIL"
	exc.Severity = models.SeverityHigh
	exc.NormalizedContext = map[string]any{
		"orderId": "ORD-42",
		"amount":  125000.0,
		"region":  "emea",
	}
	return exc
}

func TestResolveParamsLonePlaceholderKeepsType(t *testing.T) {
	params, unresolved := ResolveParams(testException(), map[string]any{
		"orderId": "{{orderId}}",
		"amount":  "{{amount}}",
	})

	assert.Empty(t, unresolved)
	assert.Equal(t, "ORD-42", params["orderId"])
	assert.Equal(t, 125000.0, params["amount"], "a lone placeholder carries the typed value")
}

func TestResolveParamsEmbeddedPlaceholders(t *testing.T) {
	params, unresolved := ResolveParams(testException(), map[string]any{
		"message": "retry {{orderId}} in {{region}}",
	})

	assert.Empty(t, unresolved)
	assert.Equal(t, "retry ORD-42 in emea", params["message"])
}

func TestResolveParamsUnresolvedStayLiteral(t *testing.T) {
	params, unresolved := ResolveParams(testException(), map[string]any{
		"target": "{{missing}}",
		"note":   "escalate {{owner}} about {{orderId}}",
	})

	assert.Equal(t, []string{"missing", "owner"}, unresolved)
	assert.Equal(t, "{{missing}}", params["target"])
	assert.Equal(t, "escalate {{owner}} about ORD-42", params["note"])
}

func TestResolveParamsFallsBackToRawPayload(t *testing.T) {
	params, unresolved := ResolveParams(testException(), map[string]any{
		"note": "{{rawNote}}",
	})

	assert.Empty(t, unresolved)
	assert.Equal(t, "from raw payload", params["note"])
}

func TestResolveParamsWalksNestedValues(t *testing.T) {
	params, unresolved := ResolveParams(testException(), map[string]any{
		"payload": map[string]any{
			"order": "{{orderId}}",
			"tags":  []any{"{{region}}", "static"},
		},
		"count": 3,
	})

	assert.Empty(t, unresolved)
	nested, ok := params["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ORD-42", nested["order"])
	assert.Equal(t, []any{"emea", "static"}, nested["tags"])
	assert.Equal(t, 3, params["count"])
}
