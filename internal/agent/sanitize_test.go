package agent

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestSanitize_Numbers(t *testing.T) {
	t.Parallel()

	if got := Sanitize(json.Number("42")); got != int64(42) {
		t.Fatalf("whole number: got %v (%T), want int64 42", got, got)
	}
	if got := Sanitize(json.Number("99.9")); got != "99.9" {
		t.Fatalf("decimal number: got %v (%T), want string 99.9", got, got)
	}
	if got := Sanitize(3.5); got != "3.5" {
		t.Fatalf("float64: got %v (%T), want string 3.5", got, got)
	}
	if got := Sanitize(float64(7)); got != "7" {
		t.Fatalf("whole float64: got %v (%T), want string 7", got, got)
	}
	if got := Sanitize("unchanged"); got != "unchanged" {
		t.Fatalf("string: got %v", got)
	}
	if got := Sanitize(true); got != true {
		t.Fatalf("bool: got %v", got)
	}
	if got := Sanitize(nil); got != nil {
		t.Fatalf("nil: got %v", got)
	}
}

func TestSanitize_RecursionAndOrder(t *testing.T) {
	t.Parallel()

	dec := json.NewDecoder(strings.NewReader(`{"a": {"b": [1, 2.5, "x"]}, "c": 10}`))
	dec.UseNumber()
	var in map[string]any
	if err := dec.Decode(&in); err != nil {
		t.Fatalf("decode: %v", err)
	}

	got := SanitizeMap(in)
	inner := got["a"].(map[string]any)["b"].([]any)
	want := []any{int64(1), "2.5", "x"}
	if !reflect.DeepEqual(inner, want) {
		t.Fatalf("list: got %v, want %v", inner, want)
	}
	if got["c"] != int64(10) {
		t.Fatalf("c: got %v (%T)", got["c"], got["c"])
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"n":    json.Number("1.25"),
		"f":    2.5,
		"list": []any{json.Number("3"), 4.75},
	}
	once := Sanitize(in)
	twice := Sanitize(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent: once=%v twice=%v", once, twice)
	}
}
