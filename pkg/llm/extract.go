package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	// fencePattern matches content inside markdown code fences: ```json ... ```
	fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of raw model text. Markdown fences are
// stripped first; the remainder is scanned for the first balanced {…} that
// parses as JSON. Trailing commas are cleaned because models commonly emit
// them. Returns "" when no object is found.
func ExtractJSON(content string) string {
	if m := fencePattern.FindStringSubmatch(content); len(m) > 1 {
		if obj := firstValidObject(m[1]); obj != "" {
			return obj
		}
	}
	return firstValidObject(content)
}

// firstValidObject scans for brace-balanced segments and returns the first
// one that is valid JSON after cleanup.
func firstValidObject(s string) string {
	for start := 0; ; {
		idx := strings.IndexByte(s[start:], '{')
		if idx < 0 {
			return ""
		}
		pos := start + idx
		if seg := balancedFrom(s, pos); seg != "" {
			cleaned := trailingCommaPattern.ReplaceAllString(seg, "$1")
			if json.Valid([]byte(cleaned)) {
				return cleaned
			}
		}
		start = pos + 1
	}
}

// balancedFrom returns the balanced {…} segment starting at pos, respecting
// string literals and escapes. Returns "" when the braces never balance.
func balancedFrom(s string, pos int) string {
	depth := 0
	inString := false
	escaped := false
	for i := pos; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[pos : i+1]
				}
			}
		}
	}
	return ""
}
