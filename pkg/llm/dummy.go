package llm

import (
	"context"
	"encoding/json"
)

// Rule-result hints. The dummy stub echoes these back so that a full pipeline
// dry run agrees with the rule-based path instead of fighting it.
const (
	CtxRuleType     = "rule_exception_type"
	CtxRuleSeverity = "rule_severity"
	CtxRuleDecision = "rule_decision"
)

// DummyClient is the deterministic stub provider. It performs no I/O, returns
// the same output for the same input, and emits schema-shaped JSON when the
// call context names an output schema. It terminates every fallback chain.
type DummyClient struct {
	model string
}

// NewDummyClient creates the stub client. An empty model gets the stub default.
func NewDummyClient(model string) *DummyClient {
	if model == "" {
		model = "dummy-v1"
	}
	return &DummyClient{model: model}
}

func (d *DummyClient) Provider() string { return ProviderDummy }
func (d *DummyClient) Model() string    { return d.model }

// Generate returns canned, schema-valid JSON for known schemas and a fixed
// acknowledgement otherwise. It never fails.
func (d *DummyClient) Generate(_ context.Context, prompt string, callCtx map[string]any) (*GenerateResult, error) {
	raw := baseRaw(ProviderDummy, d.model, prompt, callCtx)
	raw[RawDeterministic] = true

	schema, _ := callCtx[CtxSchema].(string)
	payload := d.payloadFor(schema, callCtx)
	if payload == nil {
		return &GenerateResult{Text: "Deterministic placeholder response.", Raw: raw}, nil
	}

	text, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain maps of scalars; marshalling cannot fail.
		return &GenerateResult{Text: "Deterministic placeholder response.", Raw: raw}, nil
	}
	return &GenerateResult{Text: string(text), Raw: raw}, nil
}

func (d *DummyClient) payloadFor(schema string, callCtx map[string]any) map[string]any {
	switch schema {
	case SchemaTriage:
		return map[string]any{
			"exception_type": hint(callCtx, CtxRuleType, "UNKNOWN"),
			"severity":       hint(callCtx, CtxRuleSeverity, "MEDIUM"),
			"confidence":     0.6,
			"reasoning":      "deterministic stub classification",
		}
	case SchemaPolicy:
		return map[string]any{
			"decision":   hint(callCtx, CtxRuleDecision, "REQUIRE_APPROVAL"),
			"confidence": 0.6,
			"reasoning":  "deterministic stub policy evaluation",
		}
	case SchemaResolution:
		return map[string]any{
			"summary":    "deterministic stub plan review",
			"confidence": 0.6,
		}
	case SchemaSupervisor:
		return map[string]any{
			"ruling":     hint(callCtx, CtxRuleDecision, "APPROVED_FLOW"),
			"confidence": 0.6,
			"reasoning":  "deterministic stub checkpoint",
		}
	case SchemaFeedback:
		return map[string]any{
			"summary":         "no adjustments proposed",
			"confidence":      0.6,
			"recommendations": []any{},
		}
	default:
		return nil
	}
}

func hint(callCtx map[string]any, key, fallback string) string {
	if v, ok := callCtx[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
