package sanitize

import (
	"fmt"
	"strings"
	"testing"
)

func TestSanitize_PassesScalarsThrough(t *testing.T) {
	in := map[string]any{
		"a": nil,
		"b": true,
		"c": 42.0,
		"d": "short string",
	}
	out := Sanitize(in)
	if out["a"] != nil || out["b"] != true || out["c"] != 42.0 || out["d"] != "short string" {
		t.Fatalf("scalars should pass through unchanged, got %#v", out)
	}
}

func TestSanitize_TruncatesLongString(t *testing.T) {
	long := strings.Repeat("x", MaxValueLen+100)
	out := Sanitize(map[string]any{"s": long})
	s := out["s"].(string)
	if len(s) != MaxValueLen {
		t.Fatalf("expected truncated length %d, got %d", MaxValueLen, len(s))
	}
	if !strings.HasSuffix(s, "...") {
		t.Fatalf("expected truncated suffix, got %q", s[len(s)-10:])
	}
}

func TestSanitize_NestedMappingWithinBoundsKept(t *testing.T) {
	in := map[string]any{
		"nested": map[string]any{"x": "y"},
	}
	out := Sanitize(in)
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested mapping to be preserved, got %#v", out["nested"])
	}
	if nested["x"] != "y" {
		t.Fatalf("unexpected nested value: %#v", nested)
	}
}

func TestSanitize_OversizedNestedMappingFlattenedToString(t *testing.T) {
	big := map[string]any{}
	for i := 0; i < 5000; i++ {
		big[fmt.Sprintf("k%04d", i)] = strings.Repeat("v", 20)
	}
	out := Sanitize(map[string]any{"nested": big})
	switch v := out["nested"].(type) {
	case string:
		if len(v) > MaxValueLen {
			t.Fatalf("truncated nested value exceeds cap: %d", len(v))
		}
	case map[string]any:
		t.Fatalf("expected oversized nested mapping to be flattened to a string")
	}
}

func TestSanitize_NestedSequence(t *testing.T) {
	in := map[string]any{"list": []any{"a", "b", 1.0, nil}}
	out := Sanitize(in)
	list, ok := out["list"].([]any)
	if !ok {
		t.Fatalf("expected sequence to be preserved, got %#v", out["list"])
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
}
