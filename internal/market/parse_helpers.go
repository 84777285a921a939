// Package market holds exchange-agnostic symbol handling and helpers for
// walking loosely typed JSON payloads.
package market

import (
	"encoding/json"
	"strconv"
	"strings"
)

func ToMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func ToSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// StringFromMap returns the first non-empty string under any of keys.
func StringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := StringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func StringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

func FloatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
