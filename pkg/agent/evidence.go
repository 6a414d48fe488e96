package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/exceptionops/remsy/pkg/models"
)

// Evidence line prefixes. Flatten and ParseReasoning round-trip through
// these, so audit consumers can reconstruct the structured record.
const (
	evSummary   = "summary: "
	evStep      = "step["
	evReference = "ref: "
	evGuardrail = "guardrail: "
	evViolation = "rule: "
)

// Reasoning is the structured form of a stage's merged reasoning before it
// is flattened into AgentDecision.Evidence.
type Reasoning struct {
	Summary           string
	Steps             []string
	References        []string
	AppliedGuardrails []string
	ViolatedRules     []string
}

// IsZero reports whether the reasoning carries nothing.
func (r Reasoning) IsZero() bool {
	return r.Summary == "" && len(r.Steps) == 0 && len(r.References) == 0 &&
		len(r.AppliedGuardrails) == 0 && len(r.ViolatedRules) == 0
}

// Flatten encodes the reasoning into evidence lines. The encoding is
// lossless for the declared fields: ParseReasoning(r.Flatten()) == r for any
// reasoning whose strings do not start with a reserved prefix.
func (r Reasoning) Flatten() []string {
	var out []string
	if r.Summary != "" {
		out = append(out, evSummary+r.Summary)
	}
	for i, step := range r.Steps {
		out = append(out, fmt.Sprintf("%s%d]: %s", evStep, i+1, step))
	}
	for _, ref := range r.References {
		out = append(out, evReference+ref)
	}
	for _, g := range r.AppliedGuardrails {
		out = append(out, evGuardrail+g)
	}
	for _, v := range r.ViolatedRules {
		out = append(out, evViolation+v)
	}
	return out
}

// ParseReasoning reconstructs the structured reasoning from evidence lines.
// Lines without a recognized prefix are treated as references, so free-form
// rule evidence survives the round trip.
func ParseReasoning(evidence []string) Reasoning {
	var r Reasoning
	for _, line := range evidence {
		switch {
		case strings.HasPrefix(line, evSummary):
			r.Summary = strings.TrimPrefix(line, evSummary)
		case strings.HasPrefix(line, evStep):
			rest := strings.TrimPrefix(line, evStep)
			if idx := strings.Index(rest, "]: "); idx > 0 {
				if _, err := strconv.Atoi(rest[:idx]); err == nil {
					r.Steps = append(r.Steps, rest[idx+3:])
					continue
				}
			}
			r.References = append(r.References, line)
		case strings.HasPrefix(line, evReference):
			r.References = append(r.References, strings.TrimPrefix(line, evReference))
		case strings.HasPrefix(line, evGuardrail):
			r.AppliedGuardrails = append(r.AppliedGuardrails, strings.TrimPrefix(line, evGuardrail))
		case strings.HasPrefix(line, evViolation):
			r.ViolatedRules = append(r.ViolatedRules, strings.TrimPrefix(line, evViolation))
		default:
			r.References = append(r.References, line)
		}
	}
	return r
}

// reasoningFromOutput lifts the LLM's structured reasoning fields out of a
// validated stage output map. Missing fields are simply absent.
func reasoningFromOutput(out map[string]any) Reasoning {
	var r Reasoning
	if s, err := models.GetString(out, "reasoning"); err == nil {
		r.Summary = s
	} else if s, err := models.GetString(out, "summary"); err == nil {
		r.Summary = s
	}
	if refs, err := models.GetStringSlice(out, "evidence"); err == nil {
		r.References = refs
	}
	if g, err := models.GetStringSlice(out, "applied_guardrails"); err == nil {
		r.AppliedGuardrails = g
	}
	if v, err := models.GetStringSlice(out, "violated_rules"); err == nil {
		r.ViolatedRules = v
	}
	return r
}
