package models

import "regexp"

// DomainPack is the immutable, versioned document defining a vertical's
// exception taxonomy, tools, playbooks, and guardrails. Once registered it is
// shared-readable and never mutated; replacement is by atomic swap under a
// new version.
type DomainPack struct {
	DomainName     string                      `json:"domainName" yaml:"domain_name"`
	Version        string                      `json:"version" yaml:"version"`
	Description    string                      `json:"description,omitempty" yaml:"description,omitempty"`
	ExceptionTypes map[string]ExceptionTypeDef `json:"exceptionTypes" yaml:"exception_types"`
	Tools          map[string]ToolDefinition   `json:"tools" yaml:"tools"`
	Playbooks      []Playbook                  `json:"playbooks" yaml:"playbooks"`
	Guardrails     Guardrails                  `json:"guardrails" yaml:"guardrails"`
}

// ExceptionTypeDef describes one exception type in the domain taxonomy.
type ExceptionTypeDef struct {
	Description     string          `json:"description,omitempty" yaml:"description,omitempty"`
	ParentType      string          `json:"parentType,omitempty" yaml:"parent_type,omitempty"`
	DetectionRules  []DetectionRule `json:"detectionRules,omitempty" yaml:"detection_rules,omitempty"`
	SeverityRules   []SeverityRule  `json:"severityRules,omitempty" yaml:"severity_rules,omitempty"`
	DefaultSeverity Severity        `json:"defaultSeverity,omitempty" yaml:"default_severity,omitempty"`
}

// DetectionRule is a single field predicate evaluated against an exception's
// normalized context (falling back to the raw payload).
type DetectionRule struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Detection rule operators.
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpExists      = "exists"
	OpGreaterThan = "gt"
	OpLessThan    = "lt"
)

// SeverityRule assigns a severity when all of its conditions match.
// Rules are ordered; the first matching rule wins.
type SeverityRule struct {
	Severity Severity        `json:"severity" yaml:"severity"`
	When     []DetectionRule `json:"when,omitempty" yaml:"when,omitempty"`
}

// ToolDefinition maps a tool name to its endpoint and invocation caps.
type ToolDefinition struct {
	Description    string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Endpoint       string                   `json:"endpoint" yaml:"endpoint"`
	Parameters     map[string]ToolParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Version        string                   `json:"version,omitempty" yaml:"version,omitempty"`
	TimeoutSeconds int                      `json:"timeoutSeconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries     int                      `json:"maxRetries,omitempty" yaml:"max_retries,omitempty"`
}

// ToolParameter describes one declared tool parameter.
type ToolParameter struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Playbook is an ordered sequence of remediation steps keyed by exception type.
type Playbook struct {
	PlaybookID    string         `json:"playbookId" yaml:"playbook_id"`
	ExceptionType string         `json:"exceptionType" yaml:"exception_type"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps         []PlaybookStep `json:"steps" yaml:"steps"`
}

// PlaybookStep is one step of a playbook: either a tool invocation or a
// declarative verb (notify, assign_owner, set_status, add_comment).
// Parameters may contain {{placeholder}} tokens resolved from the
// exception's normalized context at execution time.
type PlaybookStep struct {
	StepID      string         `json:"stepId,omitempty" yaml:"step_id,omitempty"`
	Action      string         `json:"action" yaml:"action"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	StepOrder   int            `json:"stepOrder,omitempty" yaml:"step_order,omitempty"`
}

// Declarative step verbs that carry no tool reference.
const (
	ActionNotify      = "notify"
	ActionAssignOwner = "assign_owner"
	ActionSetStatus   = "set_status"
	ActionAddComment  = "add_comment"
)

// Guardrails bound what automated execution may do within a domain.
type Guardrails struct {
	AllowedTools []string `json:"allowedTools,omitempty" yaml:"allowed_tools,omitempty"`
	BlockedTools []string `json:"blockedTools,omitempty" yaml:"blocked_tools,omitempty"`
	// HumanApprovalThreshold is the confidence floor in [0,1]; runs below it
	// require a human sign-off.
	HumanApprovalThreshold float64 `json:"humanApprovalThreshold" yaml:"human_approval_threshold"`
}

// TenantPolicyPack is the tenant-scoped overlay restricting tools, overriding
// guardrails, and optionally adding custom playbooks. Immutable per version.
type TenantPolicyPack struct {
	TenantID                string              `json:"tenantId" yaml:"tenant_id"`
	DomainName              string              `json:"domainName" yaml:"domain_name"`
	Version                 string              `json:"version" yaml:"version"`
	CustomGuardrails        *Guardrails         `json:"customGuardrails,omitempty" yaml:"custom_guardrails,omitempty"`
	ApprovedTools           []string            `json:"approvedTools" yaml:"approved_tools"`
	HumanApprovalRules      []HumanApprovalRule `json:"humanApprovalRules,omitempty" yaml:"human_approval_rules,omitempty"`
	CustomSeverityOverrides map[string]Severity `json:"customSeverityOverrides,omitempty" yaml:"custom_severity_overrides,omitempty"`
	CustomPlaybooks         []Playbook          `json:"customPlaybooks,omitempty" yaml:"custom_playbooks,omitempty"`
}

// HumanApprovalRule maps a severity to an approval requirement. Rules are
// ordered; the first rule matching the effective severity wins.
type HumanApprovalRule struct {
	Severity        Severity `json:"severity" yaml:"severity"`
	RequireApproval bool     `json:"requireApproval" yaml:"require_approval"`
}

// PlaybookFor returns the first domain playbook matching the exception type,
// or nil if none matches.
func (p *DomainPack) PlaybookFor(exceptionType string) *Playbook {
	for i := range p.Playbooks {
		if p.Playbooks[i].ExceptionType == exceptionType {
			return &p.Playbooks[i]
		}
	}
	return nil
}

// HasTool reports whether the domain declares the named tool.
func (p *DomainPack) HasTool(name string) bool {
	_, ok := p.Tools[name]
	return ok
}

// HasExceptionType reports whether the domain declares the named type.
func (p *DomainPack) HasExceptionType(name string) bool {
	_, ok := p.ExceptionTypes[name]
	return ok
}

// CustomPlaybookFor returns the tenant's custom playbook for the exception
// type, or nil if the tenant declares none.
func (t *TenantPolicyPack) CustomPlaybookFor(exceptionType string) *Playbook {
	if t == nil {
		return nil
	}
	for i := range t.CustomPlaybooks {
		if t.CustomPlaybooks[i].ExceptionType == exceptionType {
			return &t.CustomPlaybooks[i]
		}
	}
	return nil
}

// IsToolApproved reports whether the tenant approved the named tool.
func (t *TenantPolicyPack) IsToolApproved(name string) bool {
	if t == nil {
		return false
	}
	for _, approved := range t.ApprovedTools {
		if approved == name {
			return true
		}
	}
	return false
}

// RequiresApproval evaluates the ordered human-approval rules for the given
// severity. The first matching rule wins; no matching rule means no
// approval requirement from this pack.
func (t *TenantPolicyPack) RequiresApproval(severity Severity) bool {
	if t == nil {
		return false
	}
	for _, rule := range t.HumanApprovalRules {
		if rule.Severity == severity {
			return rule.RequireApproval
		}
	}
	return false
}

// SeverityOverride returns the tenant's severity override for the exception
// type, if declared.
func (t *TenantPolicyPack) SeverityOverride(exceptionType string) (Severity, bool) {
	if t == nil {
		return "", false
	}
	s, ok := t.CustomSeverityOverrides[exceptionType]
	return s, ok
}

// toolCallPattern matches action strings of the form ident('name'); the
// quoted argument is the tool reference.
var toolCallPattern = regexp.MustCompile(`^\s*[A-Za-z_][A-Za-z0-9_]*\s*\(\s*'([^']+)'\s*\)\s*$`)

// bareIdentPattern matches an action string that is a lone identifier.
var bareIdentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// toolParamKeys are the step parameter keys consulted, in order, for an
// explicit tool reference.
var toolParamKeys = [...]string{"tool", "toolName", "tool_name", "action", "method"}

// IsDeclarativeAction reports whether the action is one of the declarative
// verbs that never carry a tool reference.
func IsDeclarativeAction(action string) bool {
	switch action {
	case ActionNotify, ActionAssignOwner, ActionSetStatus, ActionAddComment:
		return true
	}
	return false
}

// ToolName resolves the tool a step references. Resolution order: an action
// of the form ident('name') yields the quoted name; then the first string
// value under a tool parameter key; then a bare-identifier action that is
// not a declarative verb. Steps resolving to "" are non-tool-bearing.
func (s *PlaybookStep) ToolName() string {
	if m := toolCallPattern.FindStringSubmatch(s.Action); m != nil {
		return m[1]
	}
	for _, key := range toolParamKeys {
		if v, ok := s.Parameters[key]; ok {
			if name, ok := v.(string); ok && name != "" {
				return name
			}
		}
	}
	if IsDeclarativeAction(s.Action) {
		return ""
	}
	if bareIdentPattern.MatchString(s.Action) {
		return s.Action
	}
	return ""
}

// Clone returns a deep copy of the pack. Registries clone on ingest so a
// registrant mutating its own object cannot reach the published copy.
func (p *DomainPack) Clone() *DomainPack {
	if p == nil {
		return nil
	}
	out := *p
	if p.ExceptionTypes != nil {
		out.ExceptionTypes = make(map[string]ExceptionTypeDef, len(p.ExceptionTypes))
		for name, def := range p.ExceptionTypes {
			def.DetectionRules = append([]DetectionRule(nil), def.DetectionRules...)
			def.SeverityRules = cloneSeverityRules(def.SeverityRules)
			out.ExceptionTypes[name] = def
		}
	}
	if p.Tools != nil {
		out.Tools = make(map[string]ToolDefinition, len(p.Tools))
		for name, tool := range p.Tools {
			if tool.Parameters != nil {
				params := make(map[string]ToolParameter, len(tool.Parameters))
				for pn, pv := range tool.Parameters {
					params[pn] = pv
				}
				tool.Parameters = params
			}
			out.Tools[name] = tool
		}
	}
	out.Playbooks = clonePlaybooks(p.Playbooks)
	out.Guardrails = *p.Guardrails.Clone()
	return &out
}

// Clone returns a deep copy of the policy pack.
func (t *TenantPolicyPack) Clone() *TenantPolicyPack {
	if t == nil {
		return nil
	}
	out := *t
	out.CustomGuardrails = t.CustomGuardrails.Clone()
	out.ApprovedTools = append([]string(nil), t.ApprovedTools...)
	out.HumanApprovalRules = append([]HumanApprovalRule(nil), t.HumanApprovalRules...)
	if t.CustomSeverityOverrides != nil {
		out.CustomSeverityOverrides = make(map[string]Severity, len(t.CustomSeverityOverrides))
		for k, v := range t.CustomSeverityOverrides {
			out.CustomSeverityOverrides[k] = v
		}
	}
	out.CustomPlaybooks = clonePlaybooks(t.CustomPlaybooks)
	return &out
}

// Clone returns a copy of the guardrails; nil stays nil.
func (g *Guardrails) Clone() *Guardrails {
	if g == nil {
		return nil
	}
	out := *g
	out.AllowedTools = append([]string(nil), g.AllowedTools...)
	out.BlockedTools = append([]string(nil), g.BlockedTools...)
	return &out
}

// Clone returns a copy of the playbook with its steps and one level of step
// parameters copied.
func (p *Playbook) Clone() *Playbook {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = make([]PlaybookStep, len(p.Steps))
	for i, step := range p.Steps {
		step.Parameters = copyMap(step.Parameters)
		out.Steps[i] = step
	}
	return &out
}

func clonePlaybooks(in []Playbook) []Playbook {
	if in == nil {
		return nil
	}
	out := make([]Playbook, len(in))
	for i := range in {
		out[i] = *in[i].Clone()
	}
	return out
}

func cloneSeverityRules(in []SeverityRule) []SeverityRule {
	if in == nil {
		return nil
	}
	out := make([]SeverityRule, len(in))
	for i, rule := range in {
		rule.When = append([]DetectionRule(nil), rule.When...)
		out[i] = rule
	}
	return out
}
