package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// AnthropicChat is a secondary LLM collaborator that maps the chat-completion
// contract onto the Anthropic Messages API. The stages never see the difference:
// the returned message follows the same assistant shape the validator checks.
type AnthropicChat struct {
	client anthropic.Client
}

func NewAnthropicChat(apiKey string, baseURL string) *AnthropicChat {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &AnthropicChat{client: anthropic.NewClient(opts...)}
}

func (c *AnthropicChat) Complete(ctx context.Context, req CompletionRequest) (map[string]any, error) {
	if c == nil {
		return nil, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("missing model")
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens:   anthropicMaxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}

	if system := collectSystemText(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = buildAnthropicTurns(req.Messages)
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicToolParams(req.Tools)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	// Project the block-structured reply onto the assistant message shape.
	out := map[string]any{"role": "assistant"}
	var textParts []string
	var toolCalls []any
	for _, blk := range msg.Content {
		switch b := blk.AsAny().(type) {
		case anthropic.TextBlock:
			if t := strings.TrimSpace(b.Text); t != "" {
				textParts = append(textParts, t)
			}
		case anthropic.ToolUseBlock:
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ID,
				"type": "function",
				"function": map[string]any{
					"name":      b.Name,
					"arguments": args,
				},
			})
		}
	}
	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
		out["content"] = ""
	} else if len(textParts) > 0 {
		out["content"] = strings.Join(textParts, "\n")
	}
	return out, nil
}

func collectSystemText(messages []map[string]any) string {
	parts := make([]string, 0, 2)
	for _, m := range messages {
		if m["role"] != "system" {
			continue
		}
		if txt, ok := m["content"].(string); ok && strings.TrimSpace(txt) != "" {
			parts = append(parts, strings.TrimSpace(txt))
		}
	}
	return strings.Join(parts, "\n\n")
}

func buildAnthropicTurns(messages []map[string]any) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		switch role {
		case "system":
			continue
		case "tool":
			callID := stringField(m, "tool_call_id")
			if callID == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(callID, content, false)))
		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
			if strings.TrimSpace(content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(content))
			}
			if rawCalls, ok := m["tool_calls"].([]any); ok {
				for _, rc := range rawCalls {
					call, ok := rc.(map[string]any)
					if !ok {
						continue
					}
					fn, _ := call["function"].(map[string]any)
					var input any = map[string]any{}
					if args, ok := fn["arguments"].(string); ok && args != "" {
						var parsed any
						if err := json.Unmarshal([]byte(args), &parsed); err == nil {
							input = parsed
						}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(stringField(call, "id"), input, stringField(fn, "name")))
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			if strings.TrimSpace(content) == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func buildAnthropicToolParams(tools []map[string]any) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name := stringField(fn, "name")
		if name == "" {
			continue
		}
		schema, _ := fn["parameters"].(map[string]any)
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(stringField(fn, "description")),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: schema["properties"],
				Required:   requiredList(schema),
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func requiredList(schema map[string]any) []string {
	raw, _ := schema["required"].([]string)
	if raw != nil {
		return raw
	}
	list, _ := schema["required"].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
