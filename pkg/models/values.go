package models

import "fmt"

// Typed accessors for the opaque maps carried by exceptions, steps, and
// events. Shapes are per-instance, so every accessor fails explicitly on a
// missing key or wrong type instead of propagating untyped values.

// GetString extracts a string field from an opaque map.
func GetString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", Errorf(KindValidationFailed, "missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", Errorf(KindValidationFailed, "field %q: expected string, got %T", key, v)
	}
	return s, nil
}

// GetFloat extracts a numeric field from an opaque map. JSON decoding yields
// float64; int values are accepted and widened.
func GetFloat(m map[string]any, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, Errorf(KindValidationFailed, "missing field %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, Errorf(KindValidationFailed, "field %q: expected number, got %T", key, v)
	}
}

// GetInt extracts an integer field from an opaque map, accepting the float64
// values JSON decoding produces.
func GetInt(m map[string]any, key string) (int, error) {
	f, err := GetFloat(m, key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// GetBool extracts a boolean field from an opaque map.
func GetBool(m map[string]any, key string) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, Errorf(KindValidationFailed, "missing field %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, Errorf(KindValidationFailed, "field %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// GetMap extracts a nested map field from an opaque map.
func GetMap(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok {
		return nil, Errorf(KindValidationFailed, "missing field %q", key)
	}
	nested, ok := v.(map[string]any)
	if !ok {
		return nil, Errorf(KindValidationFailed, "field %q: expected object, got %T", key, v)
	}
	return nested, nil
}

// GetStringSlice extracts a list of strings from an opaque map, accepting
// both []string and the []any that JSON decoding produces.
func GetStringSlice(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok {
		return nil, Errorf(KindValidationFailed, "missing field %q", key)
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, Errorf(KindValidationFailed, "field %q[%d]: expected string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, Errorf(KindValidationFailed, "field %q: expected list, got %T", key, v)
	}
}

// Stringify renders any scalar value for placeholder substitution and
// evidence lines. Maps and lists fall back to fmt formatting.
func Stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
