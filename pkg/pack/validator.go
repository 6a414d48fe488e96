package pack

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/exceptionops/remsy/pkg/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Report is the structured pass/fail outcome of pack validation. Errors
// reject the pack; warnings are advisory and never block ingest.
type Report struct {
	Errors   []*ValidationError `json:"errors,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
}

// Valid reports whether the pack passed validation.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Err collapses the report into a single error, nil when valid.
func (r *Report) Err() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return models.Errorf(models.KindValidationFailed, "%w: %s", ErrPackRejected, strings.Join(msgs, "; "))
}

func (r *Report) addError(component, id, field string, err error) {
	r.Errors = append(r.Errors, NewValidationError(component, id, field, err))
}

func (r *Report) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator performs structural (JSON Schema) and cross-reference validation
// of packs at ingest.
type Validator struct {
	domainSchema *jsonschema.Schema
	policySchema *jsonschema.Schema
}

// NewValidator compiles the embedded pack schemas.
func NewValidator() (*Validator, error) {
	domainSchema, err := compileSchema("schemas/domain_pack.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile domain pack schema: %w", err)
	}
	policySchema, err := compileSchema("schemas/tenant_policy.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile tenant policy schema: %w", err)
	}
	return &Validator{
		domainSchema: domainSchema,
		policySchema: policySchema,
	}, nil
}

func compileSchema(path string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(path, doc); err != nil {
		return nil, err
	}
	return c.Compile(path)
}

// validOperators mirrors the detection rule operator set.
var validOperators = map[string]bool{
	models.OpEquals:      true,
	models.OpContains:    true,
	models.OpExists:      true,
	models.OpGreaterThan: true,
	models.OpLessThan:    true,
}

// ValidateDomainPack checks a domain pack structurally and then verifies
// every cross-reference: parent types resolve without cycles, playbooks
// target declared exception types, and every tool-bearing step references a
// declared tool.
func (v *Validator) ValidateDomainPack(p *models.DomainPack) *Report {
	report := &Report{}
	if p == nil {
		report.addError("domain_pack", "", "", ErrMissingRequiredField)
		return report
	}

	v.validateStructure(v.domainSchema, "domain_pack", p.DomainName, p, report)

	for _, name := range sortedKeys(p.ExceptionTypes) {
		def := p.ExceptionTypes[name]
		if def.ParentType != "" && !p.HasExceptionType(def.ParentType) {
			report.addError("exception_type", name, "parent_type",
				fmt.Errorf("%w: parent type '%s' not declared", ErrInvalidReference, def.ParentType))
		}
		if cycle := parentCycle(p, name); cycle != "" {
			report.addError("exception_type", name, "parent_type",
				fmt.Errorf("%w: parent chain cycles through '%s'", ErrInvalidValue, cycle))
		}
		validateRules(report, "exception_type", name, "detection_rules", def.DetectionRules)
		for i, rule := range def.SeverityRules {
			if !rule.Severity.IsValid() {
				report.addError("exception_type", name, fmt.Sprintf("severity_rules[%d].severity", i),
					fmt.Errorf("%w: %s", ErrInvalidValue, rule.Severity))
			}
			validateRules(report, "exception_type", name, fmt.Sprintf("severity_rules[%d].when", i), rule.When)
		}
		if def.DefaultSeverity != "" && !def.DefaultSeverity.IsValid() {
			report.addError("exception_type", name, "default_severity",
				fmt.Errorf("%w: %s", ErrInvalidValue, def.DefaultSeverity))
		}
	}
	if len(p.ExceptionTypes) == 0 {
		report.addWarning("domain pack '%s' declares no exception types; nothing will classify", p.DomainName)
	}

	for _, name := range sortedKeys(p.Tools) {
		tool := p.Tools[name]
		if tool.Endpoint == "" {
			report.addError("tool", name, "endpoint", ErrMissingRequiredField)
		}
		for _, pn := range sortedKeys(tool.Parameters) {
			if t := tool.Parameters[pn].Type; t != "" && !validParamType(t) {
				report.addWarning("tool '%s' parameter '%s' has unrecognized type '%s'", name, pn, t)
			}
		}
	}

	seen := make(map[string]bool, len(p.Playbooks))
	for _, pb := range p.Playbooks {
		if seen[pb.PlaybookID] {
			report.addError("playbook", pb.PlaybookID, "playbook_id",
				fmt.Errorf("%w: duplicate playbook id", ErrInvalidValue))
		}
		seen[pb.PlaybookID] = true

		if pb.ExceptionType != "" && !p.HasExceptionType(pb.ExceptionType) {
			report.addError("playbook", pb.PlaybookID, "exception_type",
				fmt.Errorf("%w: exception type '%s' not declared", ErrInvalidReference, pb.ExceptionType))
		}
		for i, step := range pb.Steps {
			if tool := step.ToolName(); tool != "" && !p.HasTool(tool) {
				report.addError("playbook", pb.PlaybookID, fmt.Sprintf("steps[%d]", i),
					fmt.Errorf("%w: tool '%s' not declared in domain pack", ErrInvalidReference, tool))
			}
		}
	}

	v.validateGuardrails(report, "domain_pack", p.DomainName, &p.Guardrails, p)
	return report
}

// ValidateTenantPolicy checks a tenant policy pack. When the tenant's domain
// pack is provided, approved tools and custom playbook steps are
// cross-checked against it; when nil, those checks are skipped with a
// warning.
func (v *Validator) ValidateTenantPolicy(p *models.TenantPolicyPack, domain *models.DomainPack) *Report {
	report := &Report{}
	if p == nil {
		report.addError("tenant_policy", "", "", ErrMissingRequiredField)
		return report
	}

	v.validateStructure(v.policySchema, "tenant_policy", p.TenantID, p, report)

	for i, rule := range p.HumanApprovalRules {
		if !rule.Severity.IsValid() {
			report.addError("tenant_policy", p.TenantID, fmt.Sprintf("human_approval_rules[%d].severity", i),
				fmt.Errorf("%w: %s", ErrInvalidValue, rule.Severity))
		}
	}
	for _, name := range sortedKeys(p.CustomSeverityOverrides) {
		if s := p.CustomSeverityOverrides[name]; !s.IsValid() {
			report.addError("tenant_policy", p.TenantID, fmt.Sprintf("custom_severity_overrides[%s]", name),
				fmt.Errorf("%w: %s", ErrInvalidValue, s))
		}
	}
	if p.CustomGuardrails != nil {
		v.validateGuardrails(report, "tenant_policy", p.TenantID, p.CustomGuardrails, domain)
	}

	seen := make(map[string]bool, len(p.CustomPlaybooks))
	for _, pb := range p.CustomPlaybooks {
		if seen[pb.PlaybookID] {
			report.addError("playbook", pb.PlaybookID, "playbook_id",
				fmt.Errorf("%w: duplicate playbook id", ErrInvalidValue))
		}
		seen[pb.PlaybookID] = true

		for i, step := range pb.Steps {
			tool := step.ToolName()
			if tool == "" {
				continue
			}
			if domain != nil && !domain.HasTool(tool) {
				report.addError("playbook", pb.PlaybookID, fmt.Sprintf("steps[%d]", i),
					fmt.Errorf("%w: tool '%s' not declared in domain pack", ErrInvalidReference, tool))
			}
			if !p.IsToolApproved(tool) {
				report.addWarning("custom playbook '%s' step %d uses tool '%s' that is not in approved_tools; it will not execute",
					pb.PlaybookID, i, tool)
			}
		}
	}

	if domain == nil {
		report.addWarning("domain pack not available; cross-references for tenant '%s' not checked", p.TenantID)
		return report
	}
	if p.DomainName != domain.DomainName {
		report.addError("tenant_policy", p.TenantID, "domain_name",
			fmt.Errorf("%w: policy targets domain '%s' but was validated against '%s'",
				ErrInvalidReference, p.DomainName, domain.DomainName))
	}
	for i, tool := range p.ApprovedTools {
		if !domain.HasTool(tool) {
			report.addError("tenant_policy", p.TenantID, fmt.Sprintf("approved_tools[%d]", i),
				fmt.Errorf("%w: tool '%s' not declared in domain pack", ErrInvalidReference, tool))
		}
	}
	return report
}

// validateStructure runs the JSON Schema check over the canonical (camelCase)
// serialization of the pack.
func (v *Validator) validateStructure(schema *jsonschema.Schema, component, id string, pack any, report *Report) {
	buf, err := json.Marshal(pack)
	if err != nil {
		report.addError(component, id, "", err)
		return
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		report.addError(component, id, "", err)
		return
	}
	if err := schema.Validate(doc); err != nil {
		report.addError(component, id, "", err)
	}
}

func (v *Validator) validateGuardrails(report *Report, component, id string, g *models.Guardrails, domain *models.DomainPack) {
	if g.HumanApprovalThreshold < 0 || g.HumanApprovalThreshold > 1 {
		report.addError(component, id, "guardrails.human_approval_threshold",
			fmt.Errorf("%w: %v is outside [0,1]", ErrInvalidValue, g.HumanApprovalThreshold))
	}

	blocked := make(map[string]bool, len(g.BlockedTools))
	for _, tool := range g.BlockedTools {
		blocked[tool] = true
	}
	for _, tool := range g.AllowedTools {
		if blocked[tool] {
			report.addWarning("%s '%s': tool '%s' is both allowed and blocked; block wins", component, id, tool)
		}
		if domain != nil && !domain.HasTool(tool) {
			report.addWarning("%s '%s': allowed tool '%s' is not declared in the domain pack", component, id, tool)
		}
	}
}

func validateRules(report *Report, component, id, field string, rules []models.DetectionRule) {
	for i, rule := range rules {
		if !validOperators[rule.Operator] {
			report.addError(component, id, fmt.Sprintf("%s[%d].operator", field, i),
				fmt.Errorf("%w: %s", ErrInvalidValue, rule.Operator))
		}
		if rule.Field == "" {
			report.addError(component, id, fmt.Sprintf("%s[%d].field", field, i), ErrMissingRequiredField)
		}
		if rule.Operator != models.OpExists && rule.Value == nil {
			report.addError(component, id, fmt.Sprintf("%s[%d].value", field, i),
				fmt.Errorf("%w: operator '%s' requires a comparison value", ErrMissingRequiredField, rule.Operator))
		}
	}
}

// parentCycle walks the parent chain from the given type and returns the
// first type revisited, or "" when the chain terminates.
func parentCycle(p *models.DomainPack, start string) string {
	visited := map[string]bool{start: true}
	current := start
	for {
		def, ok := p.ExceptionTypes[current]
		if !ok || def.ParentType == "" {
			return ""
		}
		if visited[def.ParentType] {
			return def.ParentType
		}
		visited[def.ParentType] = true
		current = def.ParentType
	}
}

func validParamType(t string) bool {
	switch t {
	case "string", "number", "integer", "boolean", "object", "array":
		return true
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
