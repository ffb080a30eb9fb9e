package agent

import (
	"encoding/json"
	"strconv"
)

// Sanitize normalizes an arbitrary nested value into JSON-safe form.
//
// Rules:
//   - json.Number (the arbitrary-precision carrier produced by UseNumber decoding)
//     becomes int64 when it represents a whole number, else the string form of its
//     floating-point value.
//   - floats become their string representation. Downstream storage is
//     decimal-sensitive and must not lose precision through float reserialization.
//   - integers, strings, booleans and nil pass through unchanged.
//   - maps and slices are recursed with key identity and element order preserved.
//
// Sanitize is pure and idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Sanitize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Sanitize(e)
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return formatFloat(f)
		}
		return t.String()
	case float64:
		return formatFloat(t)
	case float32:
		return formatFloat(float64(t))
	default:
		return v
	}
}

// SanitizeMap is Sanitize specialized to the common mapping case.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return Sanitize(m).(map[string]any)
}

func formatFloat(f float64) string {
	// Whole-valued floats keep their integer form so round-tripping stays stable.
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
