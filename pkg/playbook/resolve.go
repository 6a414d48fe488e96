package playbook

import (
	"regexp"
	"sort"
	"strings"

	"github.com/exceptionops/remsy/pkg/models"
)

// placeholderPattern matches {{key}} tokens inside string parameters.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// ResolveParams substitutes {{key}} placeholders in step parameters from the
// exception's normalized context, falling back to the raw payload. A
// parameter that is exactly one placeholder takes the context value with its
// type; placeholders embedded in longer strings substitute their string
// form. Unresolved placeholders stay literal and their keys are returned
// sorted.
func ResolveParams(exc *models.Exception, params map[string]any) (map[string]any, []string) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}

	unresolved := map[string]bool{}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(exc, v, unresolved)
	}

	if len(unresolved) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(unresolved))
	for k := range unresolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return out, keys
}

func resolveValue(exc *models.Exception, v any, unresolved map[string]bool) any {
	switch val := v.(type) {
	case string:
		return resolveString(exc, val, unresolved)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = resolveValue(exc, inner, unresolved)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = resolveValue(exc, inner, unresolved)
		}
		return out
	}
	return v
}

func resolveString(exc *models.Exception, s string, unresolved map[string]bool) any {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// A lone placeholder keeps the context value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		key := s[matches[0][2]:matches[0][3]]
		if v, ok := exc.ContextValue(key); ok {
			return v
		}
		unresolved[key] = true
		return s
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		key := strings.TrimSpace(strings.Trim(token, "{}"))
		if v, ok := exc.ContextValue(key); ok {
			return models.Stringify(v)
		}
		unresolved[key] = true
		return token
	})
}
