package agent

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestCollectSystemText(t *testing.T) {
	t.Parallel()

	got := collectSystemText([]map[string]any{
		{"role": "system", "content": "first"},
		{"role": "user", "content": "ignored"},
		{"role": "system", "content": "   "},
		{"role": "system", "content": " second "},
	})
	if got != "first\n\nsecond" {
		t.Fatalf("got %q", got)
	}

	if got := collectSystemText(nil); got != "" {
		t.Fatalf("empty input: %q", got)
	}
}

func TestRequiredList(t *testing.T) {
	t.Parallel()

	// functionSchema produces []string; a JSON round trip produces []any.
	if got := requiredList(map[string]any{"required": []string{"a", "b"}}); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("typed form: %v", got)
	}
	if got := requiredList(map[string]any{"required": []any{"a", 3, "b"}}); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("dynamic form: %v", got)
	}
	if got := requiredList(map[string]any{}); len(got) != 0 {
		t.Fatalf("absent: %v", got)
	}
}

func TestBuildAnthropicTurns(t *testing.T) {
	t.Parallel()

	turns := buildAnthropicTurns([]map[string]any{
		{"role": "system", "content": "dropped, system text travels separately"},
		{"role": "user", "content": "book a flight"},
		{"role": "assistant", "content": "", "tool_calls": []any{map[string]any{
			"id":   "call_1",
			"type": "function",
			"function": map[string]any{
				"name":      "search_flights",
				"arguments": `{"destination":"JFK"}`,
			},
		}}},
		{"role": "tool", "tool_call_id": "call_1", "content": `{"flights":[]}`},
		{"role": "user", "content": ""},
	})
	// system, the empty user message, and nothing else are dropped.
	if len(turns) != 3 {
		t.Fatalf("turns=%d", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" || turns[2].Role != "user" {
		t.Fatalf("roles: %v %v %v", turns[0].Role, turns[1].Role, turns[2].Role)
	}
}

func TestBuildAnthropicTurns_NeverEmpty(t *testing.T) {
	t.Parallel()

	turns := buildAnthropicTurns([]map[string]any{{"role": "system", "content": "only system"}})
	if len(turns) != 1 || turns[0].Role != "user" {
		t.Fatalf("turns=%v", turns)
	}
}

func TestDecodeRawMessage(t *testing.T) {
	t.Parallel()

	m, err := decodeRawMessage(`{"role":"assistant","content":null,"tool_calls":[{"id":"call_1"}],"n":12345678901234567890}`)
	if err != nil {
		t.Fatalf("decodeRawMessage: %v", err)
	}
	if m["role"] != "assistant" {
		t.Fatalf("role=%v", m["role"])
	}
	if _, ok := m["n"].(json.Number); !ok {
		t.Fatalf("numbers must stay arbitrary precision, got %T", m["n"])
	}

	if _, err := decodeRawMessage("not json"); err == nil {
		t.Fatalf("invalid payload must fail")
	}
}

func TestBuildChatMessages_RejectsUnknownRole(t *testing.T) {
	t.Parallel()

	if _, err := buildChatMessages([]map[string]any{{"role": "widget", "content": "x"}}); err == nil {
		t.Fatalf("unknown role must fail")
	}
}
