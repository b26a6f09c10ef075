// Package wire sanitizes documents crossing the remote store boundary.
//
// Two transformations are applied, one in each direction:
//
//  1. StripUnset removes the Unset sentinel from outbound documents.
//     The remote store rejects writes containing unset fields rather
//     than ignoring them, so every payload (full saves and partial
//     patches alike) must pass through StripUnset before it is queued.
//
//  2. NormalizeDates rewrites server-native timestamp values in inbound
//     snapshot documents to a single canonical RFC 3339 string, so
//     downstream code never has to distinguish timestamp objects from
//     string dates.
package wire

import "time"

// unset is the private type behind the Unset sentinel. A distinct type
// guarantees no decoded JSON value can ever compare equal to it.
type unset struct{}

// Unset marks a document field as unset. Writers use it for optional
// fields they want absent from the stored document; StripUnset removes
// it before the document reaches the remote store.
var Unset = unset{}

// Timestamp is the tagged representation of a server-native timestamp
// as delivered by the remote document store. The remote adapter decodes
// wire timestamps into this one type so detection logic lives here
// rather than being re-guessed per call site.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// Time converts the timestamp to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// String returns the canonical RFC 3339 form used throughout the app.
func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// StripUnset returns a copy of v with every Unset value removed.
//
// Maps lose keys whose value is Unset, slices lose Unset elements, and
// both are walked recursively. All other values, including nil, false,
// zero, empty strings, and Timestamp values, pass through unchanged.
func StripUnset(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if _, isUnset := elem.(unset); isUnset {
				continue
			}
			out[k] = StripUnset(elem)
		}
		return out

	case []any:
		out := make([]any, 0, len(val))
		for _, elem := range val {
			if _, isUnset := elem.(unset); isUnset {
				continue
			}
			out = append(out, StripUnset(elem))
		}
		return out

	default:
		return v
	}
}

// NormalizeDates returns a copy of v with every server-native timestamp
// converted to its canonical RFC 3339 string.
//
// Both the typed Timestamp adapter and the raw duck shape a JSON decode
// can still produce (a map with numeric "seconds" and "nanoseconds"
// fields) are recognized. Everything else passes through unchanged.
func NormalizeDates(v any) any {
	switch val := v.(type) {
	case Timestamp:
		return val.String()

	case map[string]any:
		if ts, ok := timestampShape(val); ok {
			return ts.String()
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = NormalizeDates(elem)
		}
		return out

	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = NormalizeDates(elem)
		}
		return out

	default:
		return v
	}
}

// timestampShape reports whether m is a raw wire timestamp: exactly a
// numeric "seconds" plus a numeric "nanoseconds" component.
func timestampShape(m map[string]any) (Timestamp, bool) {
	if len(m) != 2 {
		return Timestamp{}, false
	}
	secs, ok := asInt64(m["seconds"])
	if !ok {
		return Timestamp{}, false
	}
	nanos, ok := asInt64(m["nanoseconds"])
	if !ok {
		return Timestamp{}, false
	}
	return Timestamp{Seconds: secs, Nanos: int32(nanos)}, true
}

// asInt64 coerces the numeric types a JSON decode or caller may supply.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
