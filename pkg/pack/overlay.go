package pack

import (
	"errors"
	"fmt"

	"dario.cat/mergo"

	"github.com/exceptionops/remsy/pkg/models"
)

// MergeGuardrails overlays tenant custom guardrails on top of the domain
// baseline. Non-zero overlay fields win: a non-empty tool list replaces the
// baseline list, a positive threshold replaces the baseline threshold. A nil
// overlay returns a copy of the baseline.
func MergeGuardrails(base, overlay *models.Guardrails) (*models.Guardrails, error) {
	merged := base.Clone()
	if merged == nil {
		merged = &models.Guardrails{}
	}
	if overlay == nil {
		return merged, nil
	}
	if err := mergo.Merge(merged, overlay, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge guardrails: %w", err)
	}
	return merged, nil
}

// EffectiveGuardrails resolves the guardrails in force for a tenant's domain:
// the active domain pack's guardrails with the active tenant policy's custom
// guardrails overlaid. A tenant without a policy pack runs on the domain
// baseline.
func (r *Registry) EffectiveGuardrails(tenantID, domain string) (*models.Guardrails, error) {
	dp, err := r.ActiveDomainPack(tenantID, domain)
	if err != nil {
		return nil, err
	}

	policy, err := r.ActiveTenantPolicy(tenantID, domain)
	if err != nil {
		if errors.Is(err, ErrTenantPolicyNotFound) || errors.Is(err, ErrNoActiveVersion) {
			return MergeGuardrails(&dp.Guardrails, nil)
		}
		return nil, err
	}
	return MergeGuardrails(&dp.Guardrails, policy.CustomGuardrails)
}
