package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// llmVisibleTypes are the message types projected into the model's view of the
// conversation.
var llmVisibleTypes = map[string]bool{
	MessageUser:    true,
	MessageConsent: true,
	MessageSystem:  true,
	MessageText:    true,
	MessageToolRq:  true,
	MessageToolRs:  true,
}

// MessageHistory flattens the thread's turns into an OpenAI-style message array.
// Only LLM-visible message types survive; the optional filter keeps messages whose
// metadata parameter begins with the given prefix.
func (s *Service) MessageHistory(ctx context.Context, ref ThreadRef, filter *HistoryFilter) ([]map[string]any, error) {
	if s == nil || s.store == nil {
		return nil, ErrNotConfigured
	}
	if !ref.Valid() {
		return nil, errors.New("missing thread reference")
	}

	turns, err := s.store.ListTurns(ctx, ref)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(turns)*2)
	for _, turn := range turns {
		for _, m := range turn.Messages {
			if filter != nil && !matchesFilter(m, filter) {
				continue
			}
			if !llmVisibleTypes[m.Type] {
				continue
			}
			out = append(out, m.Out)
		}
	}
	return out, nil
}

func matchesFilter(m Message, filter *HistoryFilter) bool {
	var value string
	switch strings.TrimPrefix(filter.Param, "_") {
	case "interface":
		value = m.Interface
	case "type":
		value = m.Type
	case "next":
		if m.Next == nil {
			return false
		}
		value = fmt.Sprint(m.Next)
	default:
		return false
	}
	if value == "" {
		return false
	}
	return strings.HasPrefix(value, filter.BeginsWith)
}

// NewUserTurn appends a new turn carrying the user's message, creating the thread
// lazily when it does not exist yet. Returns the created turn.
func (s *Service) NewUserTurn(ctx context.Context, sess Session, message string, next any) (Turn, error) {
	if s == nil || s.store == nil {
		return Turn{}, ErrNotConfigured
	}
	if !sess.Ref.Valid() {
		return Turn{}, errors.New("missing thread reference")
	}

	turn := Turn{
		TurnID: uuid.NewString(),
		Context: map[string]any{
			"portfolio":   sess.Ref.Portfolio,
			"org":         sess.Ref.Org,
			"entity_type": sess.Ref.EntityType,
			"entity_id":   sess.Ref.EntityID,
			"thread":      sess.Ref.ThreadID,
			"public_user": sess.PublicUser,
		},
		Messages: []Message{{
			Out:  map[string]any{"role": "user", "content": message},
			Type: MessageText,
			Next: next,
		}},
	}
	return s.store.CreateTurn(ctx, sess.Ref, turn)
}

// lastToolRequest returns the out payload of the most recent tool_rq message.
func (s *Service) lastToolRequest(ctx context.Context, ref ThreadRef) (map[string]any, error) {
	turns, err := s.store.ListTurns(ctx, ref)
	if err != nil {
		return nil, err
	}
	for i := len(turns) - 1; i >= 0; i-- {
		msgs := turns[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			if msgs[j].Type == MessageToolRq {
				return msgs[j].Out, nil
			}
		}
	}
	return nil, errors.New("thread has no pending tool-call request")
}

type saveOptions struct {
	Interface string
	Next      any
	MsgType   string
}

// saveChat persists one validated chat payload to the transcript, dispatching on
// its shape, and mirrors user-facing messages to the live channel.
//
// A tool-call request with N calls always appends N empty tool_rs placeholders in
// the same operation, correlated by call id. The downstream LLM API rejects a tool
// call with no matching response anywhere later in history, even while that
// response is still pending human or tool execution.
func (s *Service) saveChat(ctx context.Context, sess Session, out map[string]any, opts saveOptions) error {
	if s == nil || s.store == nil {
		return ErrNotConfigured
	}

	switch {
	case opts.MsgType == MessageConsent:
		iface := opts.Interface
		if iface == "" {
			iface = "binary_consent"
		}
		doc := Message{Out: SanitizeMap(out), Type: MessageConsent, Interface: iface, Next: opts.Next}
		if err := s.store.AppendMessage(ctx, sess.Ref, "", doc); err != nil {
			return err
		}
		s.pushChat(ctx, sess, doc, MessageConsent)

	case opts.MsgType == MessageWidget:
		doc := Message{Out: SanitizeMap(out), Type: MessageWidget, Interface: opts.Interface}
		if err := s.store.AppendMessage(ctx, sess.Ref, "", doc); err != nil {
			return err
		}
		s.pushChat(ctx, sess, doc, MessageWidget)

	case out["tool_calls"] != nil && out["role"] == "assistant":
		doc := Message{Out: SanitizeMap(out), Type: MessageToolRq, Next: opts.Next}
		if err := s.store.AppendMessage(ctx, sess.Ref, "", doc); err != nil {
			return err
		}
		calls, _ := out["tool_calls"].([]any)
		for _, rc := range calls {
			call, ok := rc.(map[string]any)
			if !ok {
				continue
			}
			id := stringField(call, "id")
			placeholder := Message{
				Out: map[string]any{
					"role":         "tool",
					"tool_call_id": id,
					"content":      "",
				},
				Type: MessageToolRs,
				Next: opts.Next,
			}
			if err := s.store.AppendMessage(ctx, sess.Ref, "", placeholder); err != nil {
				return err
			}
		}

	case out["content"] != nil && out["role"] == "assistant":
		doc := Message{Out: SanitizeMap(out), Type: MessageText, Next: opts.Next}
		if err := s.store.AppendMessage(ctx, sess.Ref, "", doc); err != nil {
			return err
		}
		s.pushChat(ctx, sess, doc, MessageText)

	case out["tool_call_id"] != nil && out["role"] == "tool":
		doc := Message{Out: SanitizeMap(out), Type: MessageToolRs, Interface: opts.Interface, Next: opts.Next}
		callID := stringField(out, "tool_call_id")
		if err := s.store.FillToolResponse(ctx, sess.Ref, callID, doc); err != nil {
			return err
		}
		if opts.Interface != "" {
			s.pushChat(ctx, sess, normalizeToolPush(doc), MessageToolRs)
		}

	default:
		return fmt.Errorf("unrecognized chat payload shape")
	}
	return nil
}

// normalizeToolPush prepares a tool response for the live channel: parsed object
// content is wrapped in a single-element list, lists of objects pass through, and
// anything else keeps the original string.
func normalizeToolPush(doc Message) Message {
	content, ok := doc.Out["content"].(string)
	if !ok {
		return doc
	}
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return doc
	}
	var normalized any
	switch t := parsed.(type) {
	case map[string]any:
		normalized = []any{t}
	case []any:
		for _, item := range t {
			if _, ok := item.(map[string]any); !ok {
				return doc
			}
		}
		normalized = t
	default:
		return doc
	}
	out := make(map[string]any, len(doc.Out))
	for k, v := range doc.Out {
		out[k] = v
	}
	out["content"] = normalized
	doc.Out = out
	return doc
}
