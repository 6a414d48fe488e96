// Package util provides shared fixtures for integration and e2e tests: the
// settlement demo domain pack and tenant policies over it, rendered in the
// YAML wire form the pack endpoints ingest.
package util

import (
	"fmt"
	"strings"
)

// Identity shared by the settlement fixtures.
const (
	FixtureDomain   = "Finance"
	FixtureType     = "SETTLEMENT_FAIL"
	FixturePlaybook = "pb-settlement-retry"
)

// Tools declared by the settlement pack.
const (
	ToolGetSettlement = "getSettlement"
	ToolRetry         = "triggerSettlementRetry"
	ToolEscalate      = "escalate"
)

// AllSettlementTools lists every tool the settlement pack declares, in
// declaration order.
func AllSettlementTools() []string {
	return []string{ToolGetSettlement, ToolRetry, ToolEscalate}
}

// SettlementPack renders the canonical Finance domain pack: the
// SETTLEMENT_FAIL taxonomy, three tools, and a two-step retry playbook
// guarded at a 0.8 approval threshold.
func SettlementPack(version string) string {
	return fmt.Sprintf(`domain_name: Finance
version: %q
description: Settlement operations demo pack
exception_types:
  SETTLEMENT_FAIL:
    description: A settlement instruction failed downstream
    default_severity: HIGH
    detection_rules:
      - field: status
        operator: equals
        value: FAILED
  PAYMENT_MISMATCH:
    description: Ledger and statement amounts disagree
    default_severity: MEDIUM
tools:
  getSettlement:
    description: Fetch the settlement record
    endpoint: https://settlement.internal/api/get
    parameters:
      settlementId:
        type: string
        required: true
  triggerSettlementRetry:
    description: Re-submit the failed settlement instruction
    endpoint: https://settlement.internal/api/retry
  escalate:
    description: Open an operations ticket for manual follow-up
    endpoint: https://ops.internal/api/escalate
playbooks:
  - playbook_id: pb-settlement-retry
    exception_type: SETTLEMENT_FAIL
    description: Inspect the settlement and retry it
    steps:
      - action: getSettlement
        parameters:
          settlementId: "{{settlementId}}"
      - action: triggerSettlementRetry
        parameters:
          settlementId: "{{settlementId}}"
guardrails:
  allowed_tools: [getSettlement, triggerSettlementRetry, escalate]
  human_approval_threshold: 0.8
`, version)
}

// ApprovalRule is one severity -> approval requirement entry for a policy
// fixture.
type ApprovalRule struct {
	Severity        string
	RequireApproval bool
}

// SettlementPolicy renders a tenant policy over the settlement pack. The
// approved tool list and the human approval rules are the variation points
// the scenarios exercise.
func SettlementPolicy(tenantID, version string, approvedTools []string, rules ...ApprovalRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tenant_id: %q\n", tenantID)
	b.WriteString("domain_name: Finance\n")
	fmt.Fprintf(&b, "version: %q\n", version)
	fmt.Fprintf(&b, "approved_tools: [%s]\n", strings.Join(approvedTools, ", "))
	if len(rules) > 0 {
		b.WriteString("human_approval_rules:\n")
		for _, r := range rules {
			fmt.Fprintf(&b, "  - severity: %s\n    require_approval: %v\n", r.Severity, r.RequireApproval)
		}
	}
	return b.String()
}

// SettlementPayload is a representative source payload for a failed
// settlement. settlementId feeds the playbook's {{settlementId}} placeholder.
func SettlementPayload(settlementID string) map[string]any {
	return map[string]any{
		"settlementId": settlementID,
		"status":       "FAILED",
		"amount":       125000.50,
		"currency":     "EUR",
		"counterparty": "BANK-GAMMA",
	}
}
