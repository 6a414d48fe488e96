// Package tools resolves which remediation tools a tenant may run and
// invokes them against their pack-declared endpoints. The allow-list is the
// intersection of what the domain declares and what the tenant approved,
// minus anything the effective guardrails block; nothing outside it is ever
// invoked, dry-run included.
package tools

import (
	"slices"
	"sort"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/pack"
)

// CheckAllowed evaluates the allow-list for one tool. The error names the
// failing gate; nil means the tool may run.
func CheckAllowed(policy *models.TenantPolicyPack, dp *models.DomainPack, tool string) error {
	if dp == nil {
		return models.Errorf(models.KindNotAllowed, "tool %q: no domain pack in scope", tool)
	}
	if !dp.HasTool(tool) {
		return models.Errorf(models.KindNotAllowed, "tool %q is not declared by domain %q", tool, dp.DomainName)
	}
	if !policy.IsToolApproved(tool) {
		return models.Errorf(models.KindNotAllowed, "tool %q is not approved by the tenant policy", tool)
	}

	guardrails := effectiveGuardrails(policy, dp)
	if guardrails != nil && slices.Contains(guardrails.BlockedTools, tool) {
		return models.Errorf(models.KindNotAllowed, "tool %q is blocked by guardrails", tool)
	}
	return nil
}

// IsAllowed is the boolean form of CheckAllowed.
func IsAllowed(policy *models.TenantPolicyPack, dp *models.DomainPack, tool string) bool {
	return CheckAllowed(policy, dp, tool) == nil
}

// effectiveGuardrails overlays the tenant's custom guardrails on the domain
// baseline. A merge failure falls back to the baseline; the overlay is
// validated at pack ingest, so this does not occur in practice.
func effectiveGuardrails(policy *models.TenantPolicyPack, dp *models.DomainPack) *models.Guardrails {
	var overlay *models.Guardrails
	if policy != nil {
		overlay = policy.CustomGuardrails
	}
	merged, err := pack.MergeGuardrails(&dp.Guardrails, overlay)
	if err != nil {
		return &dp.Guardrails
	}
	return merged
}

// Registry is the tool catalog for one (tenant, domain) binding, resolved
// from the active domain pack and tenant policy. It is a read-only view over
// immutable packs and safe to share.
type Registry struct {
	pack   *models.DomainPack
	policy *models.TenantPolicyPack
}

// NewRegistry builds the catalog view. policy may be nil, which approves
// nothing.
func NewRegistry(dp *models.DomainPack, policy *models.TenantPolicyPack) *Registry {
	return &Registry{pack: dp, policy: policy}
}

// Lookup returns the declared definition for a tool.
func (r *Registry) Lookup(name string) (models.ToolDefinition, bool) {
	if r.pack == nil {
		return models.ToolDefinition{}, false
	}
	def, ok := r.pack.Tools[name]
	return def, ok
}

// Names returns every tool the domain declares, sorted.
func (r *Registry) Names() []string {
	if r.pack == nil {
		return nil
	}
	names := make([]string, 0, len(r.pack.Tools))
	for name := range r.pack.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllowedNames returns the sorted subset of declared tools that pass the
// allow-list for this binding.
func (r *Registry) AllowedNames() []string {
	var names []string
	for _, name := range r.Names() {
		if IsAllowed(r.policy, r.pack, name) {
			names = append(names, name)
		}
	}
	return names
}

// CheckAllowed evaluates the allow-list against this registry's binding.
func (r *Registry) CheckAllowed(name string) error {
	return CheckAllowed(r.policy, r.pack, name)
}
