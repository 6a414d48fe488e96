// Package masking removes credentials from log output and PII/PHI from
// outbound prompts. Secret masking is a fixed total function; prompt
// sanitization is a per-domain pipeline with Healthcare as the one concrete
// implementation today.
package masking

import "strings"

// Recognized credential prefixes. Values carrying one of these keep the
// prefix and lose everything after it; any other non-empty value is replaced
// wholesale so no fragment of it can reach a log line.
const (
	prefixSKLive = "sk_live_"
	prefixSKTest = "sk_test_"
	prefixSK     = "sk-"
	prefixBearer = "Bearer "
)

// MaskedLiteral replaces credentials that match no recognized prefix.
const MaskedLiteral = "***masked***"

// MaskSecret masks a credential for logging. Recognized prefixes are
// preserved with the remainder replaced by "***"; anything else non-empty
// becomes MaskedLiteral. Empty or whitespace-only input masks to "".
//
// Every log line and serialized diagnostic that mentions a credential must go
// through this function.
func MaskSecret(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(secret, prefixSKLive):
		return prefixSKLive + "***"
	case strings.HasPrefix(secret, prefixSKTest):
		return prefixSKTest + "***"
	case strings.HasPrefix(secret, prefixSK):
		return prefixSK + "***"
	case strings.HasPrefix(secret, prefixBearer):
		return prefixBearer + "***"
	default:
		return MaskedLiteral
	}
}
