package agent

import (
	"context"
	"strings"
	"testing"
)

func testCatalog() ([]Action, []Tool) {
	actions := []Action{{
		Key:          "book_flight",
		Goal:         "Book a flight for the user",
		Utterances:   []string{"book a flight"},
		Slots:        []string{"destination", "date"},
		Instructions: "Collect destination and date, then search.",
		Tools:        []string{"search_flights"},
	}}
	tools := []Tool{
		{
			Key:     "search_flights",
			Goal:    "Search flights by destination and date",
			Handler: "sky/search",
			Input: []any{
				map[string]any{"name": "destination", "hint": "IATA airport code", "required": true},
				map[string]any{"name": "date", "hint": "departure date", "required": false},
			},
		},
		{
			Key:     "unrelated_tool",
			Goal:    "Never offered for this action",
			Handler: "sys/info",
		},
	}
	return actions, tools
}

func TestInterpret_BuildsPromptAndFiltersTools(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sess := testSession()
	actions, tools := testCatalog()

	if _, err := env.svc.NewUserTurn(ctx, sess, "book a flight to JFK", nil); err != nil {
		t.Fatalf("NewUserTurn: %v", err)
	}
	if err := env.svc.MutateWorkspace(ctx, sess.Ref, ChangeSet{
		"action": "book_flight",
		"belief": map[string]any{"destination": "JFK"},
	}, MutateOptions{}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	env.llm.replies = []map[string]any{{"role": "assistant", "content": "What date do you want to fly?"}}

	res := env.svc.Interpret(ctx, sess, InterpretRequest{Actions: actions, Tools: tools})
	if !res.Success {
		t.Fatalf("Interpret failed: %v", res.Output)
	}

	req := env.llm.requests[0]
	if req.Temperature != 0 {
		t.Fatalf("temperature=%v, want 0", req.Temperature)
	}
	if req.ToolChoice != "auto" {
		t.Fatalf("tool choice=%q, want auto", req.ToolChoice)
	}
	if len(req.Tools) != 1 {
		t.Fatalf("tools=%d, want 1 (allow-list filtered)", len(req.Tools))
	}
	fn := req.Tools[0]["function"].(map[string]any)
	if fn["name"] != "search_flights" {
		t.Fatalf("offered tool=%v", fn["name"])
	}
	params := fn["parameters"].(map[string]any)
	required := params["required"].([]string)
	if len(required) != 1 || required[0] != "destination" {
		t.Fatalf("required=%v", required)
	}

	// System preamble: opening, time, instructions, beliefs, answer-from-belief.
	if len(req.Messages) < 6 {
		t.Fatalf("messages=%d, want preamble + history", len(req.Messages))
	}
	if req.Messages[0]["content"] != openingMessage {
		t.Fatalf("opening=%v", req.Messages[0]["content"])
	}
	if !strings.HasPrefix(req.Messages[1]["content"].(string), "The current time is: ") {
		t.Fatalf("time message=%v", req.Messages[1]["content"])
	}
	if req.Messages[2]["content"] != "Collect destination and date, then search." {
		t.Fatalf("instructions=%v", req.Messages[2]["content"])
	}
	if !strings.Contains(req.Messages[3]["content"].(string), "destination = JFK") {
		t.Fatalf("belief message=%v", req.Messages[3]["content"])
	}
	// The recommended-tools hint comes after the history.
	last := req.Messages[len(req.Messages)-1]
	if !strings.Contains(last["content"].(string), "search_flights") {
		t.Fatalf("recommended tools hint missing: %v", last["content"])
	}
}

func TestInterpret_PersistsToolRequestWithPlaceholders(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sess := testSession()
	actions, tools := testCatalog()

	if _, err := env.svc.NewUserTurn(ctx, sess, "book a flight to JFK tomorrow", nil); err != nil {
		t.Fatalf("NewUserTurn: %v", err)
	}
	if err := env.svc.MutateWorkspace(ctx, sess.Ref, ChangeSet{"action": "book_flight"}, MutateOptions{}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	env.llm.replies = []map[string]any{{
		"role": "assistant",
		"tool_calls": []any{map[string]any{
			"id":   "call_1",
			"type": "function",
			"function": map[string]any{
				"name":      "search_flights",
				"arguments": `{"destination":"JFK"}`,
			},
		}},
	}}

	res := env.svc.Interpret(ctx, sess, InterpretRequest{Actions: actions, Tools: tools})
	if !res.Success {
		t.Fatalf("Interpret failed: %v", res.Output)
	}

	turns, _ := env.store.ListTurns(ctx, sess.Ref)
	msgs := turns[len(turns)-1].Messages
	if msgs[len(msgs)-2].Type != MessageToolRq || msgs[len(msgs)-1].Type != MessageToolRs {
		t.Fatalf("tail types=%q,%q", msgs[len(msgs)-2].Type, msgs[len(msgs)-1].Type)
	}
	if msgs[len(msgs)-1].Out["content"] != "" {
		t.Fatalf("placeholder must be empty")
	}
}

func TestInterpret_RejectsInvalidReply(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sess := testSession()

	if _, err := env.svc.NewUserTurn(ctx, sess, "hello", nil); err != nil {
		t.Fatalf("NewUserTurn: %v", err)
	}
	env.llm.replies = []map[string]any{{"role": "user", "content": "echoed prompt"}}

	res := env.svc.Interpret(ctx, sess, InterpretRequest{})
	if res.Success {
		t.Fatalf("invalid reply must fail the cycle")
	}

	// Nothing beyond the user message may have been persisted.
	turns, _ := env.store.ListTurns(ctx, sess.Ref)
	if n := len(turns[len(turns)-1].Messages); n != 1 {
		t.Fatalf("messages=%d, want 1", n)
	}
}

func TestClearToolMessageContent_RecentN(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	messages := []map[string]any{
		{"role": "user", "content": "q"},
		{"role": "tool", "tool_call_id": "c1", "content": "old output"},
		{"role": "assistant", "content": "a"},
		{"role": "tool", "tool_call_id": "c2", "content": "new output"},
	}
	got := env.svc.clearToolMessageContent(messages)

	if got[1]["content"] != "" {
		t.Fatalf("older tool content must be cleared: %v", got[1]["content"])
	}
	if got[3]["content"] != "new output" {
		t.Fatalf("most recent tool content must survive: %v", got[3]["content"])
	}
	// The input slice must not be mutated.
	if messages[1]["content"] != "old output" {
		t.Fatalf("input mutated: %v", messages[1]["content"])
	}
}

func TestClearToolMessageContent_StringifiesStructuredContent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	messages := []map[string]any{
		{"role": "user", "content": map[string]any{"text": "hi"}},
	}
	got := env.svc.clearToolMessageContent(messages)
	if got[0]["content"] != `{"text":"hi"}` {
		t.Fatalf("content=%v", got[0]["content"])
	}
}
