package wire

import (
	"reflect"
	"testing"
	"time"
)

func TestStripUnsetNested(t *testing.T) {
	in := map[string]any{
		"id":    "sale-1",
		"total": 0.0,
		"void":  false,
		"note":  "",
		"tip":   Unset,
		"items": []any{
			map[string]any{"name": "flat white", "discount": Unset},
			Unset,
			map[string]any{"name": "croissant"},
		},
		"meta": map[string]any{
			"device": Unset,
			"till":   nil,
		},
	}

	got := StripUnset(in).(map[string]any)

	want := map[string]any{
		"id":    "sale-1",
		"total": 0.0,
		"void":  false,
		"note":  "",
		"items": []any{
			map[string]any{"name": "flat white"},
			map[string]any{"name": "croissant"},
		},
		"meta": map[string]any{
			"till": nil,
		},
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("StripUnset mismatch:\ngot:  %#v\nwant: %#v", got, want)
	}
}

func TestStripUnsetPreservesFalsyValues(t *testing.T) {
	in := map[string]any{"a": 0, "b": false, "c": "", "d": nil}
	got := StripUnset(in).(map[string]any)
	if len(got) != 4 {
		t.Errorf("expected all falsy values preserved, got %#v", got)
	}
}

func TestStripUnsetDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"keep": 1, "drop": Unset}
	_ = StripUnset(in)
	if _, ok := in["drop"]; !ok {
		t.Error("input map was mutated")
	}
}

func TestStripUnsetPrimitivesPassThrough(t *testing.T) {
	for _, v := range []any{nil, 42, "x", true, 1.5} {
		if got := StripUnset(v); !reflect.DeepEqual(got, v) {
			t.Errorf("StripUnset(%v) = %v", v, got)
		}
	}
}

func TestTimestampTime(t *testing.T) {
	ts := Timestamp{Seconds: 1700000000, Nanos: 500000000}
	want := time.Unix(1700000000, 500000000).UTC()
	if !ts.Time().Equal(want) {
		t.Errorf("Time() = %v, want %v", ts.Time(), want)
	}
}

func TestNormalizeDatesTypedTimestamp(t *testing.T) {
	in := map[string]any{
		"id":        "shift-1",
		"startedAt": Timestamp{Seconds: 1700000000},
	}
	got := NormalizeDates(in).(map[string]any)

	s, ok := got["startedAt"].(string)
	if !ok {
		t.Fatalf("startedAt not converted to string: %#v", got["startedAt"])
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t.Fatalf("startedAt not RFC 3339: %v", err)
	}
	if parsed.Unix() != 1700000000 {
		t.Errorf("startedAt = %v, want unix 1700000000", parsed)
	}
}

func TestNormalizeDatesDuckShape(t *testing.T) {
	// A snapshot that went through a JSON decode carries the raw shape.
	in := map[string]any{
		"createdAt": map[string]any{"seconds": float64(1700000000), "nanoseconds": float64(0)},
		"nested": []any{
			map[string]any{"when": map[string]any{"seconds": float64(1600000000), "nanoseconds": float64(0)}},
		},
	}
	got := NormalizeDates(in).(map[string]any)

	if _, ok := got["createdAt"].(string); !ok {
		t.Errorf("createdAt not converted: %#v", got["createdAt"])
	}
	inner := got["nested"].([]any)[0].(map[string]any)
	if _, ok := inner["when"].(string); !ok {
		t.Errorf("nested timestamp not converted: %#v", inner["when"])
	}
}

func TestNormalizeDatesLeavesOtherMapsAlone(t *testing.T) {
	// Two-key maps that are not timestamps must survive untouched.
	in := map[string]any{
		"coords": map[string]any{"seconds": "not a number", "nanoseconds": float64(1)},
		"pair":   map[string]any{"a": 1, "b": 2},
	}
	got := NormalizeDates(in).(map[string]any)
	if _, ok := got["coords"].(map[string]any); !ok {
		t.Errorf("coords was wrongly converted: %#v", got["coords"])
	}
	if _, ok := got["pair"].(map[string]any); !ok {
		t.Errorf("pair was wrongly converted: %#v", got["pair"])
	}
}
