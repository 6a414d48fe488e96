package config

import (
	"os"
	"strings"
)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references in the raw
// config text before YAML parsing. Only the ${...} form is touched: a bare
// dollar sign, as in a password or a regex, passes through unchanged. An
// unset variable without a default expands to the empty string.
func ExpandEnv(raw string) string {
	var out strings.Builder
	out.Grow(len(raw))

	for i := 0; i < len(raw); {
		if raw[i] != '$' || i+1 >= len(raw) || raw[i+1] != '{' {
			out.WriteByte(raw[i])
			i++
			continue
		}
		end := strings.IndexByte(raw[i+2:], '}')
		if end < 0 {
			out.WriteByte(raw[i])
			i++
			continue
		}
		ref := raw[i+2 : i+2+end]
		out.WriteString(resolveRef(ref))
		i += 2 + end + 1
	}
	return out.String()
}

// resolveRef resolves a single NAME or NAME:-default reference.
func resolveRef(ref string) string {
	name, fallback, hasFallback := strings.Cut(ref, ":-")
	if name == "" {
		// Malformed reference like ${} or ${:-x}; emit it verbatim so
		// the YAML error points at the original text.
		return "${" + ref + "}"
	}
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	if hasFallback {
		return fallback
	}
	return ""
}
