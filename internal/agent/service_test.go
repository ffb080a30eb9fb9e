package agent

import (
	"context"
	"strings"
	"testing"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{LLM: &fakeLLM{}}); err == nil {
		t.Fatalf("missing store must fail")
	}
	if _, err := New(Options{Store: newMemStore()}); err == nil {
		t.Fatalf("missing llm must fail")
	}
}

// The full inbound cycle: the user message lands in the transcript, PreProcess
// folds facts and the matched action into the workspace, Interpret requests the
// tool, and ExecuteTool runs it and caches the result.
func TestHandleUserMessage_ThenExecuteTool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sess := testSession()
	actions, tools := testCatalog()

	env.llm.replies = []map[string]any{
		// PreProcess reply.
		{"role": "assistant", "content": `{
  "perception": {"intent": "book flight", "entities": {"destination": "JFK"}, "raw_text": "book a flight to JFK", "needs_tools": ["search_flights"]},
  "processed_info": {"enriched_entities": {}, "missing_beliefs": ["date"], "normalized_values": {}},
  "facts": {"destination": "JFK"},
  "desire": "book a flight to JFK",
  "action_match": {"confidence": 0.95, "action": "book_flight", "reasoning": "direct request", "action_changed": true, "change_reason": "new request"},
  "belief_history_updates": [{"type": "belief", "key": "destination", "val": "JFK", "time": "2026-08-29T10:00:00"}]
}`},
		// Interpret reply.
		{
			"role": "assistant",
			"tool_calls": []any{map[string]any{
				"id":   "call_1",
				"type": "function",
				"function": map[string]any{
					"name":      "search_flights",
					"arguments": `{"destination":"JFK"}`,
				},
			}},
		},
	}

	res, err := env.svc.HandleUserMessage(ctx, sess, "book a flight to JFK", InterpretRequest{Actions: actions, Tools: tools})
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if !res.Success {
		t.Fatalf("interpret result: %v", res.Output)
	}

	ws, _ := env.svc.ActiveWorkspace(ctx, sess.Ref, "")
	if ws.State.Beliefs["destination"] != "JFK" {
		t.Fatalf("beliefs=%v", ws.State.Beliefs)
	}
	if ws.State.Desire != "book a flight to JFK" {
		t.Fatalf("desire=%q", ws.State.Desire)
	}
	if ws.State.Action != "book_flight" {
		t.Fatalf("action=%q", ws.State.Action)
	}
	if len(ws.State.History) != 1 || ws.State.History[0].Key != "destination" {
		t.Fatalf("history=%v", ws.State.History)
	}

	// The Interpret call saw the freshly matched action's instructions.
	interpretReq := env.llm.requests[len(env.llm.requests)-1]
	if interpretReq.Messages[2]["content"] != "Collect destination and date, then search." {
		t.Fatalf("instructions=%v", interpretReq.Messages[2]["content"])
	}

	env.dispatch.response = map[string]any{"flights": []any{"AA100"}}
	actRes, err := env.svc.ExecuteTool(ctx, sess, tools)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !actRes.Success {
		t.Fatalf("act result: %v", actRes.Output)
	}

	ws, _ = env.svc.ActiveWorkspace(ctx, sess.Ref, "")
	if ws.Cache["irn:tool_rs:sky/search"] == nil {
		t.Fatalf("tool result not cached: %v", ws.Cache)
	}
}

func TestExecuteTool_NoPendingRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sess := testSession()
	_, tools := testCatalog()

	if _, err := env.svc.NewUserTurn(ctx, sess, "hello", nil); err != nil {
		t.Fatalf("NewUserTurn: %v", err)
	}

	_, err := env.svc.ExecuteTool(ctx, sess, tools)
	if err == nil || !strings.Contains(err.Error(), "no pending tool-call request") {
		t.Fatalf("got %v, want no-pending error", err)
	}
}

func TestActiveWorkspace_EmptyThread(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ws, err := env.svc.ActiveWorkspace(context.Background(), testRef(), "")
	if err != nil {
		t.Fatalf("ActiveWorkspace: %v", err)
	}
	if ws != nil {
		t.Fatalf("empty thread must have no workspace, got %v", ws)
	}
}
