package pack

import (
	"bytes"
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/exceptionops/remsy/pkg/models"
)

// snakeToCamel maps the snake_case spellings of structural pack fields to
// their canonical camelCase form. Both casings are accepted on ingest;
// emission is always camelCase via the models' JSON tags.
var snakeToCamel = map[string]string{
	"domain_name":               "domainName",
	"exception_types":           "exceptionTypes",
	"parent_type":               "parentType",
	"detection_rules":           "detectionRules",
	"severity_rules":            "severityRules",
	"default_severity":          "defaultSeverity",
	"timeout_seconds":           "timeoutSeconds",
	"max_retries":               "maxRetries",
	"playbook_id":               "playbookId",
	"exception_type":            "exceptionType",
	"step_id":                   "stepId",
	"step_order":                "stepOrder",
	"allowed_tools":             "allowedTools",
	"blocked_tools":             "blockedTools",
	"human_approval_threshold":  "humanApprovalThreshold",
	"tenant_id":                 "tenantId",
	"custom_guardrails":         "customGuardrails",
	"approved_tools":            "approvedTools",
	"human_approval_rules":      "humanApprovalRules",
	"custom_severity_overrides": "customSeverityOverrides",
	"custom_playbooks":          "customPlaybooks",
	"require_approval":          "requireApproval",
}

// DecodeDomainPack parses a domain pack from YAML or JSON bytes. Structural
// keys are accepted in either casing; author-owned map keys (exception type
// names, tool names, step parameters) pass through untouched. ${VAR}
// references in tool endpoints are expanded from the environment.
func DecodeDomainPack(data []byte) (*models.DomainPack, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}

	var p models.DomainPack
	if err := remarshal(normalizeDomainPackMap(raw), &p); err != nil {
		return nil, err
	}
	expandToolEndpoints(&p)
	return &p, nil
}

// DecodeTenantPolicy parses a tenant policy pack from YAML or JSON bytes,
// with the same casing rules as DecodeDomainPack.
func DecodeTenantPolicy(data []byte) (*models.TenantPolicyPack, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}

	var p models.TenantPolicyPack
	if err := remarshal(normalizeTenantPolicyMap(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// decodeRaw parses bytes into a raw map, sniffing JSON by its leading brace
// and treating everything else as YAML.
func decodeRaw(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	raw := make(map[string]any)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, models.Errorf(models.KindValidationFailed, "%w: invalid JSON: %v", ErrInvalidPackFile, err)
		}
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, models.Errorf(models.KindValidationFailed, "%w: invalid YAML: %v", ErrInvalidPackFile, err)
	}
	return raw, nil
}

func remarshal(raw map[string]any, target any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return models.Errorf(models.KindValidationFailed, "%w: %v", ErrInvalidPackFile, err)
	}
	if err := json.Unmarshal(buf, target); err != nil {
		return models.Errorf(models.KindValidationFailed, "%w: %v", ErrInvalidPackFile, err)
	}
	return nil
}

// expandToolEndpoints expands ${VAR} environment references in tool
// endpoints. Endpoints use the shell form because {{...}} is reserved for
// step parameter placeholders resolved at execution time.
func expandToolEndpoints(p *models.DomainPack) {
	for name, tool := range p.Tools {
		tool.Endpoint = os.Expand(tool.Endpoint, os.Getenv)
		p.Tools[name] = tool
	}
}

// renameKeys rewrites structural snake_case keys at one map level. It is
// deliberately shallow: each shape function below decides which levels are
// structural and which hold author-owned keys.
func renameKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if camel, ok := snakeToCamel[k]; ok {
			k = camel
		}
		out[k] = v
	}
	return out
}

func normalizeDomainPackMap(m map[string]any) map[string]any {
	out := renameKeys(m)

	// Values under exceptionTypes and tools are structural; their map keys
	// are pack-author names and stay verbatim.
	if types, ok := out["exceptionTypes"].(map[string]any); ok {
		for name, def := range types {
			if dm, ok := def.(map[string]any); ok {
				types[name] = renameKeys(dm)
			}
		}
	}
	if tools, ok := out["tools"].(map[string]any); ok {
		for name, def := range tools {
			if tm, ok := def.(map[string]any); ok {
				tools[name] = renameKeys(tm)
			}
		}
	}
	if playbooks, ok := out["playbooks"].([]any); ok {
		for i, pb := range playbooks {
			if pm, ok := pb.(map[string]any); ok {
				playbooks[i] = normalizePlaybookMap(pm)
			}
		}
	}
	if g, ok := out["guardrails"].(map[string]any); ok {
		out["guardrails"] = renameKeys(g)
	}
	return out
}

func normalizeTenantPolicyMap(m map[string]any) map[string]any {
	out := renameKeys(m)

	if g, ok := out["customGuardrails"].(map[string]any); ok {
		out["customGuardrails"] = renameKeys(g)
	}
	if rules, ok := out["humanApprovalRules"].([]any); ok {
		for i, rule := range rules {
			if rm, ok := rule.(map[string]any); ok {
				rules[i] = renameKeys(rm)
			}
		}
	}
	if playbooks, ok := out["customPlaybooks"].([]any); ok {
		for i, pb := range playbooks {
			if pm, ok := pb.(map[string]any); ok {
				playbooks[i] = normalizePlaybookMap(pm)
			}
		}
	}
	return out
}

// normalizePlaybookMap renames playbook and step level keys. Step parameters
// are author-owned payload and are never rewritten.
func normalizePlaybookMap(pm map[string]any) map[string]any {
	pm = renameKeys(pm)
	if steps, ok := pm["steps"].([]any); ok {
		for i, st := range steps {
			if sm, ok := st.(map[string]any); ok {
				steps[i] = renameKeys(sm)
			}
		}
	}
	return pm
}
