package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Act executes the first pending tool call of a tool-call request message.
//
// Exactly one call runs per invocation even when the request carries several;
// the remaining calls keep their empty placeholders until a later cycle addresses
// them. On success the tool response is persisted by call id and the {input,
// output} snapshot lands in the workspace cache under the handler route's index.
func (s *Service) Act(ctx context.Context, sess Session, plan map[string]any, tools []Tool) Result {
	const action = "act"
	if s == nil || s.store == nil {
		return failure(action, plan, ErrNotConfigured.Error())
	}
	if s.dispatch == nil {
		return failure(action, plan, "no handler dispatcher configured")
	}
	ctx, cancel := s.cycleContext(ctx)
	defer cancel()

	call, err := firstToolCall(plan)
	if err != nil {
		return failure(action, plan, err.Error())
	}

	toolName := call.name
	if toolName == "" {
		return failure(action, plan, "no tool name provided in tool selection")
	}

	s.pushChat(ctx, sess, fmt.Sprintf("Calling tool %s with parameters %v", toolName, call.args), "transient")

	route := ""
	for _, t := range tools {
		if t.Key == toolName {
			route = strings.TrimSpace(t.Handler)
			break
		}
	}
	if route == "" {
		msg := fmt.Sprintf("no handler found for tool %q", toolName)
		s.pushError(ctx, sess, msg)
		return failure(action, plan, msg)
	}
	parts := strings.Split(route, "/")
	if len(parts) != 2 {
		msg := fmt.Sprintf("%s is not a valid tool: handler route must be extension/handler", toolName)
		s.pushError(ctx, sess, msg)
		return failure(action, plan, msg)
	}

	// The handler sees where it is being called from.
	params := make(map[string]any, len(call.args)+5)
	for k, v := range call.args {
		params[k] = v
	}
	params["_portfolio"] = sess.Ref.Portfolio
	params["_org"] = sess.Ref.Org
	params["_entity_type"] = sess.Ref.EntityType
	params["_entity_id"] = sess.Ref.EntityID
	params["_thread"] = sess.Ref.ThreadID

	output, err := s.dispatch.Invoke(ctx, parts[0], parts[1], params)
	if err != nil {
		msg := fmt.Sprintf("tool %q failed: %v", toolName, err)
		s.pushError(ctx, sess, msg)
		errOut := map[string]any{
			"role":         "tool",
			"tool_call_id": call.id,
			"content":      fmt.Sprintf(`{"error":%q}`, err.Error()),
		}
		if saveErr := s.saveChat(ctx, sess, errOut, saveOptions{Interface: "", MsgType: ""}); saveErr != nil {
			s.log.Warn("persist tool error response", "err", saveErr)
		}
		return failure(action, plan, msg)
	}

	cleanOutput := Sanitize(output)
	contentBytes, err := json.Marshal(cleanOutput)
	if err != nil {
		return failure(action, plan, fmt.Sprintf("serialize tool output: %v", err))
	}

	// The handler decides how the client renders the result.
	iface := interfaceHint(cleanOutput)

	toolOut := map[string]any{
		"role":         "tool",
		"tool_call_id": call.id,
		"content":      string(contentBytes),
	}
	if err := s.saveChat(ctx, sess, toolOut, saveOptions{Interface: iface}); err != nil {
		return failure(action, plan, fmt.Sprintf("persist tool response: %v", err))
	}

	index := "irn:tool_rs:" + route
	if err := s.MutateWorkspace(ctx, sess.Ref, ChangeSet{
		"cache": map[string]any{index: map[string]any{"input": call.args, "output": cleanOutput}},
	}, MutateOptions{PublicUser: sess.PublicUser}); err != nil {
		return failure(action, plan, fmt.Sprintf("cache tool result: %v", err))
	}

	s.log.Debug("tool execution complete", "tool", toolName, "route", route)
	return success(action, plan, toolOut)
}

type toolCall struct {
	id   string
	name string
	args map[string]any
}

// firstToolCall extracts the first call of a tool_rq payload. Arguments may arrive
// as a JSON string or an already-decoded mapping.
func firstToolCall(plan map[string]any) (toolCall, error) {
	calls, _ := plan["tool_calls"].([]any)
	if len(calls) == 0 {
		return toolCall{}, errors.New("plan carries no tool calls")
	}
	call, ok := calls[0].(map[string]any)
	if !ok {
		return toolCall{}, errors.New("tool call is not a mapping")
	}
	fn, ok := call["function"].(map[string]any)
	if !ok {
		return toolCall{}, errors.New("tool call missing function")
	}

	args := map[string]any{}
	switch raw := fn["arguments"].(type) {
	case string:
		if raw != "" {
			dec := json.NewDecoder(strings.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&args); err != nil {
				return toolCall{}, fmt.Errorf("parse tool arguments: %w", err)
			}
		}
	case map[string]any:
		args = raw
	}

	return toolCall{
		id:   stringField(call, "id"),
		name: stringField(fn, "name"),
		args: args,
	}, nil
}

// interfaceHint reads the optional interface marker from a handler's output: it is
// checked on the output mapping itself or, when the output is a list, on its first
// element.
func interfaceHint(output any) string {
	switch t := output.(type) {
	case map[string]any:
		return stringField(t, "interface")
	case []any:
		if len(t) > 0 {
			if first, ok := t[0].(map[string]any); ok {
				return stringField(first, "interface")
			}
		}
	}
	return ""
}
