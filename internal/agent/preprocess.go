package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PreProcess runs the single-call perception pass over an inbound user message:
// fact extraction, desire detection, and action matching against the catalog. The
// extracted facts, the desire, the matched action, and the belief-history updates
// are folded into the workspace before Interpret runs.
func (s *Service) PreProcess(ctx context.Context, sess Session, message string, actions []Action) Result {
	const action = "pre_process_message"
	if s == nil || s.store == nil || s.llm == nil {
		return failure(action, message, ErrNotConfigured.Error())
	}
	ctx, cancel := s.cycleContext(ctx)
	defer cancel()

	s.pushChat(ctx, sess, "Pre-processing message...", "transient")

	ws, err := s.ActiveWorkspace(ctx, sess.Ref, "")
	if err != nil {
		return failure(action, message, fmt.Sprintf("workspace: %v", err))
	}
	currentAction := ""
	var history []BeliefEvent
	beliefs := map[string]any{}
	if ws != nil {
		currentAction = ws.State.Action
		history = ws.State.History
		beliefs = ws.State.Beliefs
	}
	pruned := PruneHistory(history)

	catalog := make(map[string]any, len(actions))
	for _, a := range actions {
		catalog[a.Key] = map[string]any{
			"goal":       a.Goal,
			"key":        a.Key,
			"utterances": a.Utterances,
			"slots":      a.Slots,
		}
	}

	prompt := buildPreProcessPrompt(preProcessPromptInput{
		Today:         s.now().Format("2006-01-02"),
		CurrentAction: currentAction,
		Actions:       catalog,
		Beliefs:       beliefs,
		History:       pruned,
		Message:       message,
	})

	raw, err := s.llm.Complete(ctx, CompletionRequest{
		Model:       s.model,
		Messages:    []map[string]any{{"role": "user", "content": prompt}},
		Temperature: 0,
	})
	if err != nil {
		return failure(action, message, err.Error())
	}
	content, _ := raw["content"].(string)
	if strings.TrimSpace(content) == "" {
		return failure(action, message, "LLM response is empty")
	}

	result, err := CleanJSONResponse(content)
	if err != nil {
		return failure(action, message, err.Error())
	}
	sanitized := SanitizeMap(result)

	if facts, ok := sanitized["facts"].(map[string]any); ok {
		if err := s.MutateWorkspace(ctx, sess.Ref, ChangeSet{"belief": facts}, MutateOptions{PublicUser: sess.PublicUser}); err != nil {
			return failure(action, message, err.Error())
		}
	}
	if desire, ok := sanitized["desire"].(string); ok {
		if err := s.MutateWorkspace(ctx, sess.Ref, ChangeSet{"desire": desire}, MutateOptions{PublicUser: sess.PublicUser}); err != nil {
			return failure(action, message, err.Error())
		}
	}
	if match, ok := sanitized["action_match"].(map[string]any); ok {
		if key := stringField(match, "action"); key != "" {
			if err := s.MutateWorkspace(ctx, sess.Ref, ChangeSet{"action": key}, MutateOptions{PublicUser: sess.PublicUser}); err != nil {
				return failure(action, message, err.Error())
			}
		}
	}
	if updates, ok := sanitized["belief_history_updates"].([]any); ok {
		for _, ru := range updates {
			u, ok := ru.(map[string]any)
			if !ok {
				continue
			}
			key := stringField(u, "key")
			if key == "" {
				continue
			}
			if err := s.MutateWorkspace(ctx, sess.Ref, ChangeSet{"belief_history": map[string]any{key: u["val"]}}, MutateOptions{PublicUser: sess.PublicUser}); err != nil {
				return failure(action, message, err.Error())
			}
		}
	}

	return success(action, message, sanitized)
}

type preProcessPromptInput struct {
	Today         string
	CurrentAction string
	Actions       map[string]any
	Beliefs       map[string]any
	History       []BeliefEvent
	Message       string
}

func buildPreProcessPrompt(in preProcessPromptInput) string {
	actionsJSON, _ := json.MarshalIndent(Sanitize(in.Actions), "", "  ")
	beliefsJSON, _ := json.MarshalIndent(Sanitize(in.Beliefs), "", "  ")
	historyJSON, _ := json.MarshalIndent(in.History, "", "  ")

	var b strings.Builder
	b.WriteString("You are a comprehensive message processing module for a BDI agent. Process the user message through five stages in a single pass.\n\n")
	b.WriteString("STAGE 1 - PERCEPTION AND INTERPRETATION: extract the user's intent, the entities mentioned, and any tools that might be needed. For each entity create a belief history entry {type: \"belief\", key, val, time}.\n")
	b.WriteString("STAGE 2 - INFORMATION PROCESSING: normalize values (e.g. resolve relative dates), compare available beliefs with the slots required by the matched action, and track missing beliefs.\n")
	b.WriteString("STAGE 3 - FACT EXTRACTION: from the belief history extract the most up-to-date facts, using the most recent value for each key.\n")
	b.WriteString("STAGE 4 - DESIRE DETECTION: summarize the user's goal in one sentence. Keep the previous desire unless the new message explicitly changes the intention.\n")
	b.WriteString("STAGE 5 - ACTION MATCHING: select the most appropriate action by key. Keep the current action unless the message explicitly requests something else; use new information to fill missing slots instead.\n\n")
	fmt.Fprintf(&b, "Today's date is %s\n", in.Today)
	fmt.Fprintf(&b, "Current action: %s\n\n", in.CurrentAction)
	fmt.Fprintf(&b, "### Available Actions:\n%s\n\n", actionsJSON)
	fmt.Fprintf(&b, "### Current Belief:\n%s\n\n", beliefsJSON)
	fmt.Fprintf(&b, "### Belief History:\n%s\n\n", historyJSON)
	fmt.Fprintf(&b, "### User Message:\n%s\n\n", in.Message)
	b.WriteString(`Return a JSON object with this structure:
{
  "perception": {"intent": "string", "entities": {}, "raw_text": "string", "needs_tools": []},
  "processed_info": {"enriched_entities": {}, "missing_beliefs": [], "normalized_values": {}},
  "facts": {},
  "desire": "string",
  "action_match": {"confidence": 0, "action": "string", "reasoning": "string", "action_changed": false, "change_reason": "string"},
  "belief_history_updates": [{"type": "belief", "key": "string", "val": "any", "time": "ISO timestamp"}]
}
Use the action key to indicate the selected action. Return valid JSON with all strings properly quoted.`)
	return b.String()
}
