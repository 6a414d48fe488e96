package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/exceptionops/remsy/pkg/models"
)

// Confidence levels and merge factors for triage classification.
const (
	// presetTypeConfidence applies when the source system already names a
	// type the domain declares.
	presetTypeConfidence = 0.9
	// detectionConfidence applies when detection rules matched.
	detectionConfidence = 0.75
	// unclassifiedConfidence applies when nothing matched.
	unclassifiedConfidence = 0.3

	// agreementBonus is added when the LLM agrees on type and severity.
	agreementBonus = 0.1
	// typeDisagreementFactor scales confidence down on type disagreement.
	typeDisagreementFactor = 0.8
	// severityDisagreementFactor scales confidence down when only the
	// severity differs.
	severityDisagreementFactor = 0.9
)

// TriageAgent classifies an exception into a declared type and severity.
// The chosen classification is written onto the exception record; tenant
// severity overrides apply after classification.
type TriageAgent struct {
	base
}

// NewTriage builds the triage stage. caller may be nil for rule-based-only
// operation.
func NewTriage(caller LLMCaller, opts ...Option) *TriageAgent {
	return &TriageAgent{base: newBase(models.StageTriage, caller, opts...)}
}

// classification is the triage rule core's output.
type classification struct {
	Type       string
	Severity   models.Severity
	Confidence float64
	Evidence   []string
}

func (c classification) output() map[string]any {
	return map[string]any{
		"exception_type": c.Type,
		"severity":       string(c.Severity),
		"confidence":     c.Confidence,
	}
}

// Process classifies the exception, merges the LLM proposal when one is
// configured, applies the tenant severity override, and stores the chosen
// type and severity on the exception.
func (t *TriageAgent) Process(ctx context.Context, exc *models.Exception, sctx *StageContext) (models.AgentDecision, error) {
	rule := t.classify(exc, sctx.Pack)
	merged := rule

	res, called := t.callLLM(ctx, exc, buildTriagePrompt(exc, sctx), rule.output)
	if called && res.Fallback == nil {
		merged = t.merge(rule, res.Output, sctx.Pack)
	}

	if override, ok := sctx.Policy.SeverityOverride(merged.Type); ok && override.IsValid() {
		merged.Evidence = append(merged.Evidence,
			fmt.Sprintf("tenant severity override: %s -> %s", merged.Severity, override))
		merged.Severity = override
	}

	exc.ExceptionType = merged.Type
	exc.Severity = merged.Severity

	d := models.AgentDecision{
		Decision:   merged.Type,
		Confidence: models.ClampConfidence(merged.Confidence),
		Evidence:   merged.Evidence,
	}
	d = d.WithMeta(MetaExceptionType, merged.Type)
	d = d.WithMeta(MetaSeverity, string(merged.Severity))
	if called {
		d = applyFallback(d, res.Fallback)
	}

	t.auditDecision(ctx, exc, d, map[string]any{
		MetaSeverity: string(merged.Severity),
	})
	t.log.Info("Exception triaged",
		"exception_id", exc.ExceptionID,
		"tenant_id", exc.TenantID,
		"exception_type", merged.Type,
		"severity", string(merged.Severity),
		"confidence", d.Confidence)
	return d, nil
}

// classify runs the deterministic classification: a pre-named declared type
// is honored, otherwise the first declared type (in name order) whose
// detection rules all match, otherwise UNCLASSIFIED.
func (t *TriageAgent) classify(exc *models.Exception, dp *models.DomainPack) classification {
	var c classification

	switch {
	case dp != nil && exc.ExceptionType != "" && dp.HasExceptionType(exc.ExceptionType):
		c.Type = exc.ExceptionType
		c.Confidence = presetTypeConfidence
		c.Evidence = append(c.Evidence,
			fmt.Sprintf("source system named declared type %s", c.Type))
	case dp != nil:
		for _, name := range sortedTypeNames(dp) {
			def := dp.ExceptionTypes[name]
			if len(def.DetectionRules) == 0 {
				continue
			}
			if matchAll(exc, def.DetectionRules) {
				c.Type = name
				c.Confidence = detectionConfidence
				c.Evidence = append(c.Evidence,
					fmt.Sprintf("detection rules matched for %s", name))
				break
			}
		}
	}
	if c.Type == "" {
		c.Type = TypeUnclassified
		c.Confidence = unclassifiedConfidence
		c.Evidence = append(c.Evidence, "no declared exception type matched")
	}

	c.Severity = t.severityFor(exc, dp, c.Type, &c)
	return c
}

// severityFor resolves severity: the type's first matching severity rule,
// then the severity the source already set, then the type default, then
// MEDIUM.
func (t *TriageAgent) severityFor(exc *models.Exception, dp *models.DomainPack, typeName string, c *classification) models.Severity {
	var def models.ExceptionTypeDef
	if dp != nil {
		def = dp.ExceptionTypes[typeName]
	}
	for _, rule := range def.SeverityRules {
		if matchAll(exc, rule.When) {
			c.Evidence = append(c.Evidence,
				fmt.Sprintf("severity rule assigned %s", rule.Severity))
			return rule.Severity
		}
	}
	if exc.Severity.IsValid() {
		return exc.Severity
	}
	if def.DefaultSeverity.IsValid() {
		return def.DefaultSeverity
	}
	return models.SeverityMedium
}

// merge applies the triage merge rules to a validated LLM proposal.
func (t *TriageAgent) merge(rule classification, out map[string]any, dp *models.DomainPack) classification {
	llmType, _ := models.GetString(out, "exception_type")
	sevStr, _ := models.GetString(out, "severity")
	llmSeverity := models.Severity(sevStr)
	llmConfidence, confErr := models.GetFloat(out, "confidence")
	if confErr != nil {
		llmConfidence = rule.Confidence
	}

	merged := rule
	switch {
	case dp == nil || !dp.HasExceptionType(llmType):
		merged.Confidence = rule.Confidence * typeDisagreementFactor
		merged.Evidence = append(merged.Evidence,
			fmt.Sprintf("llm proposed undeclared type %q; keeping rule-based %s", llmType, rule.Type))
	case rule.Type == TypeUnclassified:
		// The rules had nothing; adopt the model's declared type at a
		// discount.
		merged.Type = llmType
		if llmSeverity.IsValid() {
			merged.Severity = llmSeverity
		}
		merged.Confidence = models.ClampConfidence(llmConfidence * severityDisagreementFactor)
		merged.Evidence = append(merged.Evidence,
			fmt.Sprintf("adopted llm classification %s", llmType))
	case llmType == rule.Type && llmSeverity == rule.Severity:
		conf := rule.Confidence
		if llmConfidence > conf {
			conf = llmConfidence
		}
		merged.Confidence = models.ClampConfidence(conf + agreementBonus)
		merged.Evidence = append(merged.Evidence, "llm agrees on type and severity")
	case llmType == rule.Type:
		merged.Confidence = rule.Confidence * severityDisagreementFactor
		merged.Evidence = append(merged.Evidence,
			fmt.Sprintf("llm proposed severity %s; keeping %s", llmSeverity, rule.Severity))
	default:
		merged.Confidence = rule.Confidence * typeDisagreementFactor
		merged.Evidence = append(merged.Evidence,
			fmt.Sprintf("llm proposed declared type %q; keeping rule-based %s", llmType, rule.Type))
	}

	if r := reasoningFromOutput(out); !r.IsZero() {
		merged.Evidence = append(merged.Evidence, r.Flatten()...)
	}
	return merged
}

// matchAll reports whether every detection rule matches the exception's
// context. An empty rule list matches.
func matchAll(exc *models.Exception, rules []models.DetectionRule) bool {
	for _, r := range rules {
		if !matchRule(exc, r) {
			return false
		}
	}
	return true
}

// matchRule evaluates one field predicate against the exception's context
// (normalized first, then raw payload).
func matchRule(exc *models.Exception, r models.DetectionRule) bool {
	v, ok := exc.ContextValue(r.Field)
	switch r.Operator {
	case models.OpExists:
		return ok
	case models.OpEquals:
		return ok && valuesEqual(v, r.Value)
	case models.OpContains:
		return ok && strings.Contains(models.Stringify(v), models.Stringify(r.Value))
	case models.OpGreaterThan:
		av, aok := toFloat(v)
		bv, bok := toFloat(r.Value)
		return ok && aok && bok && av > bv
	case models.OpLessThan:
		av, aok := toFloat(v)
		bv, bok := toFloat(r.Value)
		return ok && aok && bok && av < bv
	default:
		return false
	}
}

// valuesEqual compares numerically when both sides are numbers (JSON decodes
// to float64, YAML to int) and by string rendering otherwise.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return models.Stringify(a) == models.Stringify(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
