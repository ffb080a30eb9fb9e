package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// InterpretRequest configures one Interpret cycle.
type InterpretRequest struct {
	// NoTools suppresses the tool catalog entirely; the model can only answer.
	NoTools bool
	Actions []Action
	Tools   []Tool
}

const (
	openingMessage   = "You are an AI assistant. You can reason over conversation history, beliefs, and goals."
	answerFromBelief = "You can reason over the message history and known facts (beliefs) to answer user questions. If the user asks a question, check the history or beliefs before asking again."
	interpretTimeFmt = "2006-01-02T15:04:05"
)

// Interpret reads the transcript and workspace, asks the LLM for the next move,
// validates the reply, and persists it: either an assistant text pushed to the live
// channel, or a tool-call request with its response placeholders.
func (s *Service) Interpret(ctx context.Context, sess Session, req InterpretRequest) Result {
	const action = "interpret"
	if s == nil || s.store == nil || s.llm == nil {
		return failure(action, nil, ErrNotConfigured.Error())
	}
	ctx, cancel := s.cycleContext(ctx)
	defer cancel()

	s.pushChat(ctx, sess, "Interpreting message...", "transient")

	history, err := s.MessageHistory(ctx, sess.Ref, nil)
	if err != nil {
		return failure(action, nil, fmt.Sprintf("message history: %v", err))
	}
	// Keep only the most recent tool outputs readable; the rest of the tool
	// history would drown the model.
	history = s.clearToolMessageContent(history)

	ws, err := s.ActiveWorkspace(ctx, sess.Ref, "")
	if err != nil {
		return failure(action, nil, fmt.Sprintf("workspace: %v", err))
	}

	currentAction := ""
	beliefs := map[string]any{}
	if ws != nil {
		currentAction = ws.State.Action
		beliefs = ws.State.Beliefs
	}

	var selected *Action
	for i := range req.Actions {
		if req.Actions[i].Key == currentAction {
			selected = &req.Actions[i]
			break
		}
	}
	instructions := ""
	var approvedTools []string
	if selected != nil {
		instructions = selected.Instructions
		approvedTools = selected.Tools
	}

	beliefStr := "Current beliefs: " + stringFromObject(beliefs)

	messages := []map[string]any{
		{"role": "system", "content": openingMessage},
		{"role": "system", "content": "The current time is: " + s.now().Format(interpretTimeFmt)},
		{"role": "system", "content": instructions},
		{"role": "system", "content": beliefStr},
		{"role": "system", "content": answerFromBelief},
	}
	messages = append(messages, history...)

	var tools []map[string]any
	if !req.NoTools && len(approvedTools) > 0 {
		messages = append(messages, map[string]any{
			"role":    "system",
			"content": "In case you need them, the following tools are recommended to execute this action: " + strings.Join(approvedTools, ", "),
		})
		allowed := map[string]bool{}
		for _, key := range approvedTools {
			allowed[strings.TrimSpace(key)] = true
		}
		for _, t := range req.Tools {
			if allowed[t.Key] {
				tools = append(tools, t.functionSchema())
			}
		}
	}

	prompt := CompletionRequest{
		Model:       s.model,
		Messages:    messages,
		Tools:       tools,
		ToolChoice:  "auto",
		Temperature: 0,
	}

	raw, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		s.pushError(ctx, sess, fmt.Sprintf("Interpret failed: %v", err))
		return failure(action, nil, err.Error())
	}

	validation := ValidateAssistantMessage(raw)
	if !validation.Success {
		return failure(action, raw, validation)
	}
	validated := validation.Output.(map[string]any)

	if err := s.saveChat(ctx, sess, validated, saveOptions{}); err != nil {
		s.pushError(ctx, sess, fmt.Sprintf("Interpret failed: %v", err))
		return failure(action, validated, err.Error())
	}

	s.log.Debug("interpret done", "thread", sess.Ref.Key(), "tool_calls", validated["tool_calls"] != nil)
	return success(action, prompt, validated)
}

// clearToolMessageContent empties every tool message's content except the most
// recent N, and stringifies any structured content so the wire payload stays a
// chat-completion message array.
func (s *Service) clearToolMessageContent(messages []map[string]any) []map[string]any {
	keep := map[int]bool{}
	found := 0
	for i := len(messages) - 1; i >= 0 && found < s.recentToolMessages; i-- {
		if messages[i]["role"] == "tool" {
			keep[i] = true
			found++
		}
	}

	out := make([]map[string]any, len(messages))
	for i, msg := range messages {
		m := make(map[string]any, len(msg))
		for k, v := range msg {
			m[k] = v
		}
		if m["role"] == "tool" && !keep[i] {
			m["content"] = ""
		} else {
			switch content := m["content"].(type) {
			case []any, map[string]any:
				b, err := json.Marshal(Sanitize(content))
				if err == nil {
					m["content"] = string(b)
				} else {
					m["content"] = fmt.Sprint(content)
				}
			case nil:
				// Assistant tool-call messages legitimately carry no content.
			case string:
				// Already wire-ready.
			default:
				m["content"] = fmt.Sprint(Sanitize(content))
			}
		}
		out[i] = m
	}
	return out
}
