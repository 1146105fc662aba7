// Package sanitize bounds the size of arbitrary client-supplied payloads
// before they are persisted or forwarded upstream.
package sanitize

import "encoding/json"

// MaxValueLen is the maximum serialized length tolerated for any single
// string-shaped value (a raw string, or a nested mapping/sequence rendered
// to JSON). Values over this length are truncated.
const MaxValueLen = 32768

// truncatedLen is where truncated string values are cut before the "..."
// suffix is appended, so the final length still fits within MaxValueLen.
const truncatedLen = MaxValueLen - 3

// Sanitize walks a decoded JSON payload and returns a copy with every
// oversized value truncated. Null, numbers, and booleans pass through
// unchanged. Strings longer than MaxValueLen are cut to truncatedLen runes
// with a "..." suffix. Nested mappings and sequences are serialized to
// canonical JSON and, if that serialization exceeds MaxValueLen, replaced
// with a truncated string of the serialized form; otherwise the original
// nested structure (itself recursively sanitized) is kept.
func Sanitize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return truncateString(x)
	case bool, float64, json.Number:
		return x
	case map[string]any:
		return sanitizeNested(x)
	case []any:
		return sanitizeNested(x)
	default:
		return x
	}
}

func sanitizeNested(v any) any {
	serialized, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if len(serialized) <= MaxValueLen {
		switch x := v.(type) {
		case map[string]any:
			nested := make(map[string]any, len(x))
			for k, val := range x {
				nested[k] = sanitizeValue(val)
			}
			return nested
		case []any:
			nested := make([]any, len(x))
			for i, val := range x {
				nested[i] = sanitizeValue(val)
			}
			return nested
		}
	}
	return truncateString(string(serialized))
}

func truncateString(s string) string {
	r := []rune(s)
	if len(r) <= MaxValueLen {
		return s
	}
	return string(r[:truncatedLen]) + "..."
}
