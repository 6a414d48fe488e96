// Package playbook selects the remediation playbook for an exception and
// drives its steps through the execution gates. Matching is pure pack
// arithmetic; execution funnels every side effect through the tool invoker
// and the audit trail.
package playbook

import (
	"sort"

	"github.com/exceptionops/remsy/pkg/models"
)

// Match resolves the playbook for an exception type under one binding.
// Precedence: a tenant custom playbook wins outright and never composes;
// otherwise the first matching domain playbook, parent-composed and subject
// to tenant approval; otherwise nil.
func Match(policy *models.TenantPolicyPack, dp *models.DomainPack, exceptionType string) *models.Playbook {
	if custom := policy.CustomPlaybookFor(exceptionType); custom != nil {
		pb := custom.Clone()
		sortSteps(pb)
		return pb
	}
	if dp == nil {
		return nil
	}

	selected := dp.PlaybookFor(exceptionType)
	if selected == nil {
		return nil
	}

	pb := Compose(dp, exceptionType, selected)
	if !Approved(policy, pb) {
		return nil
	}
	return pb
}

// Compose applies parent inheritance: when the exception type declares a
// parent with its own domain playbook, the parent's steps run first and the
// result stays keyed by the child type.
func Compose(dp *models.DomainPack, exceptionType string, selected *models.Playbook) *models.Playbook {
	pb := selected.Clone()
	sortSteps(pb)

	typeDef, ok := dp.ExceptionTypes[exceptionType]
	if !ok || typeDef.ParentType == "" {
		return pb
	}
	parent := dp.PlaybookFor(typeDef.ParentType)
	if parent == nil {
		return pb
	}

	parentPB := parent.Clone()
	sortSteps(parentPB)

	pb.Steps = append(parentPB.Steps, pb.Steps...)
	pb.ExceptionType = exceptionType
	return pb
}

// Approved reports whether the tenant may run the playbook: every
// tool-bearing step's tool must be in the tenant's approved list. Custom
// playbooks are the tenant's own and always approved.
func Approved(policy *models.TenantPolicyPack, pb *models.Playbook) bool {
	if pb == nil {
		return false
	}
	for i := range pb.Steps {
		tool := pb.Steps[i].ToolName()
		if tool == "" {
			continue
		}
		if !policy.IsToolApproved(tool) {
			return false
		}
	}
	return true
}

// sortSteps orders steps by their declared step_order when any is set.
// Authors who omit step_order get slice order, which the sort preserves.
func sortSteps(pb *models.Playbook) {
	ordered := false
	for i := range pb.Steps {
		if pb.Steps[i].StepOrder != 0 {
			ordered = true
			break
		}
	}
	if !ordered {
		return
	}
	sort.SliceStable(pb.Steps, func(i, j int) bool {
		return pb.Steps[i].StepOrder < pb.Steps[j].StepOrder
	})
}
