package agent

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ValidateAssistantMessage checks a raw model message against the chat-completion
// contract and returns the message in normalized form.
//
// Rules, in order:
//  1. role must be "assistant".
//  2. content or tool_calls must be non-null; when both are present content is
//     forced to the empty string (tool_calls wins).
//  3. every tool call needs id, type "function", and a function with name and
//     arguments; string arguments must parse as JSON, with a two-pass unescape
//     attempted before giving up.
//  4. content, when it is what remains, must be a string.
//
// Callers must not persist or act on a message that fails validation.
func ValidateAssistantMessage(raw map[string]any) Result {
	const action = "validate_assistant_message"

	role, ok := raw["role"]
	if !ok {
		return failure(action, raw, "response missing required 'role' field")
	}
	if role != "assistant" {
		return failure(action, raw, "response role must be 'assistant'")
	}

	hasContent := raw["content"] != nil
	hasToolCalls := raw["tool_calls"] != nil
	if !hasContent && !hasToolCalls {
		return failure(action, raw, "response must have either non-null 'content' or non-null 'tool_calls'")
	}
	if hasContent && hasToolCalls {
		// Keep the message compliant: a tool request carries no user-facing text.
		raw["content"] = ""
	}

	if hasToolCalls {
		calls, ok := raw["tool_calls"].([]any)
		if !ok {
			return failure(action, raw, "'tool_calls' must be a list")
		}
		for _, rc := range calls {
			call, ok := rc.(map[string]any)
			if !ok {
				return failure(action, raw, "each tool call must be a mapping")
			}
			for _, field := range []string{"id", "type", "function"} {
				if call[field] == nil {
					return failure(action, raw, fmt.Sprintf("tool call missing required field %q or field is null", field))
				}
			}
			if call["type"] != "function" {
				return failure(action, raw, "tool call type must be 'function'")
			}
			fn, ok := call["function"].(map[string]any)
			if !ok {
				return failure(action, raw, "tool call 'function' must be a mapping")
			}
			for _, field := range []string{"name", "arguments"} {
				if fn[field] == nil {
					return failure(action, raw, fmt.Sprintf("tool call function missing required field %q or field is null", field))
				}
			}
			if args, ok := fn["arguments"].(string); ok && !gjson.Valid(args) {
				repaired, err := removeOuterEscape(args)
				if err != nil || !gjson.Valid(repaired) {
					return failure(action, raw, "tool call arguments must be a valid JSON string")
				}
				fn["arguments"] = repaired
			}
		}
	}

	if hasContent && !hasToolCalls {
		if _, ok := raw["content"].(string); !ok {
			return failure(action, raw, "content must be a string")
		}
	}

	return success(action, nil, raw)
}

// removeOuterEscape recovers a double-escaped JSON string: the input is parsed as
// JSON once, and if that yields another string, parsed again, then re-serialized.
func removeOuterEscape(doubleEscaped string) (string, error) {
	var outer any
	if err := json.Unmarshal([]byte(doubleEscaped), &outer); err != nil {
		return "", err
	}
	inner, ok := outer.(string)
	if !ok {
		b, err := json.Marshal(outer)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(inner), &parsed); err != nil {
		return "", err
	}
	b, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
