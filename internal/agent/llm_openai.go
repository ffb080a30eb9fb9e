package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"
)

// OpenAIChat is the chat-completions LLM collaborator.
type OpenAIChat struct {
	client openai.Client
}

func NewOpenAIChat(apiKey string, baseURL string) *OpenAIChat {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &OpenAIChat{client: openai.NewClient(opts...)}
}

func (c *OpenAIChat) Complete(ctx context.Context, req CompletionRequest) (map[string]any, error) {
	if c == nil {
		return nil, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("missing model")
	}

	params := openai.ChatCompletionNewParams{
		Model:       oshared.ChatModel(strings.TrimSpace(req.Model)),
		Temperature: openai.Float(req.Temperature),
	}

	msgs, err := buildChatMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params.Messages = msgs

	if len(req.Tools) > 0 {
		tools, err := buildChatTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
		if strings.TrimSpace(req.ToolChoice) != "" {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openai.String(strings.TrimSpace(req.ToolChoice)),
			}
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}
	return decodeRawMessage(resp.Choices[0].Message.RawJSON())
}

// decodeRawMessage parses the provider's assistant message into the dynamic form
// the validator expects, keeping numbers arbitrary-precision.
func decodeRawMessage(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode assistant message: %w", err)
	}
	return m, nil
}

func buildChatMessages(messages []map[string]any) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i, m := range messages {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		switch role {
		case "system":
			out = append(out, openai.SystemMessage(content))
		case "user":
			out = append(out, openai.UserMessage(content))
		case "assistant":
			asst := openai.ChatCompletionAssistantMessageParam{}
			if content != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(content),
				}
			}
			if rawCalls, ok := m["tool_calls"].([]any); ok {
				for _, rc := range rawCalls {
					call, ok := rc.(map[string]any)
					if !ok {
						continue
					}
					fn, _ := call["function"].(map[string]any)
					args, _ := fn["arguments"].(string)
					asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
						ID: stringField(call, "id"),
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      stringField(fn, "name"),
							Arguments: args,
						},
					})
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, openai.ToolMessage(content, stringField(m, "tool_call_id")))
		default:
			return nil, fmt.Errorf("message %d has unsupported role %q", i, role)
		}
	}
	return out, nil
}

func buildChatTools(tools []map[string]any) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for i, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tool %d missing function schema", i)
		}
		name := stringField(fn, "name")
		if name == "" {
			return nil, fmt.Errorf("tool %d missing name", i)
		}
		def := oshared.FunctionDefinitionParam{Name: name}
		if desc := stringField(fn, "description"); desc != "" {
			def.Description = openai.String(desc)
		}
		if params, ok := fn["parameters"].(map[string]any); ok {
			def.Parameters = oshared.FunctionParameters(params)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: def})
	}
	return out, nil
}
