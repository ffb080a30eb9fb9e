package agent

import (
	"context"
	"strings"
	"testing"
)

func TestPreProcess_AppliesExtraction(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sess := testSession()
	actions, _ := testCatalog()

	env.llm.replies = []map[string]any{
		{"role": "assistant", "content": `{
  "facts": {"destination": "JFK", "adults": 2},
  "desire": "fly to JFK",
  "action_match": {"confidence": 0.9, "action": "book_flight", "action_changed": true},
  "belief_history_updates": [
    {"type": "belief", "key": "destination", "val": "JFK", "time": "2026-08-29T10:00:00"},
    {"type": "belief", "key": "adults", "val": 2, "time": "2026-08-29T10:00:01"}
  ]
}`},
	}

	res := env.svc.PreProcess(ctx, sess, "book a flight to JFK for two", actions)
	if !res.Success {
		t.Fatalf("PreProcess: %v", res.Output)
	}

	ws, err := env.svc.ActiveWorkspace(ctx, sess.Ref, "")
	if err != nil || ws == nil {
		t.Fatalf("workspace: %v %v", ws, err)
	}
	if ws.State.Beliefs["destination"] != "JFK" {
		t.Fatalf("destination=%v", ws.State.Beliefs["destination"])
	}
	if ws.State.Beliefs["adults"] != int64(2) {
		t.Fatalf("adults=%v (%T)", ws.State.Beliefs["adults"], ws.State.Beliefs["adults"])
	}
	if ws.State.Desire != "fly to JFK" {
		t.Fatalf("desire=%q", ws.State.Desire)
	}
	if ws.State.Action != "book_flight" {
		t.Fatalf("action=%q", ws.State.Action)
	}
	if len(ws.State.History) != 2 {
		t.Fatalf("history=%v", ws.State.History)
	}
}

func TestPreProcess_PromptCarriesState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sess := testSession()
	actions, _ := testCatalog()

	if err := env.svc.Mutate(ctx, sess, ChangeSet{"belief": map[string]any{"origin": "LAX"}}, MutateOptions{}); err != nil {
		t.Fatalf("seed belief: %v", err)
	}
	env.llm.replies = []map[string]any{
		{"role": "assistant", "content": `{"facts": {}}`},
	}

	if res := env.svc.PreProcess(ctx, sess, "what about tomorrow?", actions); !res.Success {
		t.Fatalf("PreProcess: %v", res.Output)
	}

	req := env.llm.requests[len(env.llm.requests)-1]
	if len(req.Messages) != 1 || req.Messages[0]["role"] != "user" {
		t.Fatalf("messages=%v", req.Messages)
	}
	if req.Temperature != 0 {
		t.Fatalf("temperature=%v", req.Temperature)
	}
	prompt, _ := req.Messages[0]["content"].(string)
	for _, want := range []string{"book_flight", "origin", "LAX", "what about tomorrow?"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}

// Model output with trailing commas and a code fence still lands: the repair
// pass runs before the extraction is applied.
func TestPreProcess_RepairsSloppyJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sess := testSession()
	actions, _ := testCatalog()

	env.llm.replies = []map[string]any{
		{"role": "assistant", "content": "```json\n{\"facts\": {\"destination\": \"JFK\",},}\n```"},
	}

	if res := env.svc.PreProcess(ctx, sess, "JFK please", actions); !res.Success {
		t.Fatalf("PreProcess: %v", res.Output)
	}
	ws, _ := env.svc.ActiveWorkspace(ctx, sess.Ref, "")
	if ws == nil || ws.State.Beliefs["destination"] != "JFK" {
		t.Fatalf("workspace=%v", ws)
	}
}

func TestPreProcess_EmptyContentFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	actions, _ := testCatalog()

	env.llm.replies = []map[string]any{
		{"role": "assistant", "content": "   "},
	}

	res := env.svc.PreProcess(context.Background(), testSession(), "hi", actions)
	if res.Success {
		t.Fatalf("empty content must fail")
	}
	out, _ := res.Output.(string)
	if !strings.Contains(out, "empty") {
		t.Fatalf("output=%v", res.Output)
	}
}
