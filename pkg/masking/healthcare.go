package masking

import (
	"regexp"
	"strings"
)

// RedactedLiteral replaces context values matched inside Healthcare prompts.
const RedactedLiteral = "[REDACTED]"

// healthcareKeyPattern matches context keys whose values are patient
// identifiers (patient_id, patientName, mrn, MRN_number, ...).
var healthcareKeyPattern = regexp.MustCompile(`(?i)(patient|mrn)`)

// HealthcareSanitizer redacts common PII/PHI shapes from prompts bound for
// LLM providers: SSNs, emails, US phone numbers, credit-card-shaped digit
// runs, and patient/MRN identifiers. Pattern sweep first, then a value sweep
// over the call context for identifiers no pattern can anticipate.
type HealthcareSanitizer struct {
	patterns []*CompiledPattern
}

// NewHealthcareSanitizer compiles the built-in PHI patterns.
func NewHealthcareSanitizer() *HealthcareSanitizer {
	return &HealthcareSanitizer{
		patterns: []*CompiledPattern{
			{
				Name:        "ssn",
				Regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
				Replacement: "[REDACTED_SSN]",
				Description: "US social security numbers",
			},
			{
				Name:        "email",
				Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
				Replacement: "[REDACTED_EMAIL]",
				Description: "email addresses",
			},
			{
				Name:        "credit_card",
				Regex:       regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`),
				Replacement: "[REDACTED_CARD]",
				Description: "credit-card-shaped digit runs",
			},
			{
				// After credit_card so 16-digit runs are not split into phone-shaped halves.
				Name:        "us_phone",
				Regex:       regexp.MustCompile(`\b(?:\(\d{3}\)\s?|\d{3}[-.\s])\d{3}[-.\s]?\d{4}\b`),
				Replacement: "[REDACTED_PHONE]",
				Description: "US phone numbers",
			},
			{
				Name:        "mrn",
				Regex:       regexp.MustCompile(`(?i)\b(?:mrn|medical record(?: number)?)[\s:#-]*[A-Za-z0-9-]+\b`),
				Replacement: "[REDACTED_MRN]",
				Description: "medical record numbers",
			},
			{
				Name:        "patient_id",
				Regex:       regexp.MustCompile(`(?i)\bpatient[\s_-]?(?:id|number)[\s:#-]*[A-Za-z0-9-]+\b`),
				Replacement: "[REDACTED_MRN]",
				Description: "patient identifiers",
			},
		},
	}
}

// Domain returns "Healthcare".
func (h *HealthcareSanitizer) Domain() string {
	return "Healthcare"
}

// Sanitize applies the PHI pattern sweep, then substring-replaces any context
// value stored under a patient/MRN-matching key.
func (h *HealthcareSanitizer) Sanitize(prompt string, callContext map[string]any) string {
	scrubbed := prompt
	for _, p := range h.patterns {
		scrubbed = p.Apply(scrubbed)
	}

	for key, value := range callContext {
		if !healthcareKeyPattern.MatchString(key) {
			continue
		}
		str, ok := value.(string)
		if !ok || strings.TrimSpace(str) == "" {
			continue
		}
		scrubbed = strings.ReplaceAll(scrubbed, str, RedactedLiteral)
	}

	return scrubbed
}
