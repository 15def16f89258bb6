package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

func init() {
	RegisterRequester("anthropic-messages", func() Requester { return &AnthropicRequester{} })
}

const anthropicMaxTokens = 4096

// AnthropicRequester speaks the Anthropic messages API. System prompts
// ride in the dedicated System field rather than the messages array,
// and tool results become user-role content blocks.
type AnthropicRequester struct{}

func (r *AnthropicRequester) clientFor(model *RuntimeModel) anthropic.Client {
	options := []option.RequestOption{option.WithAPIKey(model.APIKey)}
	if model.BaseURL != "" {
		options = append(options, option.WithBaseURL(model.BaseURL))
	}
	return anthropic.NewClient(options...)
}

func (r *AnthropicRequester) buildParams(model *RuntimeModel, messages []Message, tools []Tool) (anthropic.MessageNewParams, error) {
	converted, system, err := toAnthropicMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.Model),
		Messages:  converted,
		MaxTokens: anthropicMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		converted, err := toAnthropicTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = converted
	}
	return params, nil
}

// Invoke runs a non-streaming messages request.
func (r *AnthropicRequester) Invoke(ctx context.Context, model *RuntimeModel, messages []Message, tools []Tool) (*Message, error) {
	params, err := r.buildParams(model, messages, tools)
	if err != nil {
		return nil, err
	}

	client := r.clientFor(model)
	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}
	return fromAnthropicMessage(resp), nil
}

// InvokeStream runs a streaming messages request, forwarding text
// deltas through onDelta and accumulating the full response.
func (r *AnthropicRequester) InvokeStream(ctx context.Context, model *RuntimeModel, messages []Message, tools []Tool, onDelta func(text string) error) (*Message, error) {
	params, err := r.buildParams(model, messages, tools)
	if err != nil {
		return nil, err
	}

	client := r.clientFor(model)
	stream := client.Messages.NewStreaming(ctx, params)

	final := &Message{Role: "assistant"}
	// Tool use blocks arrive as a start event with id and name followed
	// by input_json_delta fragments; stitch each block by index.
	type toolBuffer struct {
		id, name string
		input    strings.Builder
	}
	toolBlocks := map[int]*toolBuffer{}
	order := []int{}

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				tb := &toolBuffer{id: toolUse.ID, name: toolUse.Name}
				toolBlocks[int(ev.Index)] = tb
				order = append(order, int(ev.Index))
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				final.Content += delta.Text
				if onDelta != nil {
					if err := onDelta(delta.Text); err != nil {
						return nil, err
					}
				}
			case anthropic.InputJSONDelta:
				if tb, ok := toolBlocks[int(ev.Index)]; ok {
					tb.input.WriteString(delta.PartialJSON)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicError(err)
	}

	for _, idx := range order {
		tb := toolBlocks[idx]
		args := tb.input.String()
		if args == "" {
			args = "{}"
		}
		final.ToolCalls = append(final.ToolCalls, ToolCall{
			ID:        tb.id,
			Name:      tb.name,
			Arguments: json.RawMessage(args),
		})
	}
	return final, nil
}

// InvokeEmbedding is unsupported; Anthropic exposes no embeddings API.
func (r *AnthropicRequester) InvokeEmbedding(ctx context.Context, model *RuntimeModel, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: anthropic embeddings", ErrUnsupported)
}

// toAnthropicMessages converts the neutral messages, pulling system
// messages out into the returned system string.
func toAnthropicMessages(messages []Message) ([]anthropic.MessageParam, string, error) {
	var result []anthropic.MessageParam
	system := ""

	for _, msg := range messages {
		if msg.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += msg.Content
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if len(msg.ContentParts) > 0 {
			for _, p := range msg.ContentParts {
				switch p.Type {
				case "text":
					content = append(content, anthropic.NewTextBlock(p.Text))
				case "image_url":
					if p.ImageURL == nil {
						continue
					}
					content = append(content, anthropic.ContentBlockParamUnion{
						OfImage: &anthropic.ImageBlockParam{
							Source: anthropic.ImageBlockParamSourceUnion{
								OfURL: &anthropic.URLImageSourceParam{URL: p.ImageURL.URL},
							},
						},
					})
				}
			}
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, "", fmt.Errorf("anthropic: invalid tool call arguments: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, system, nil
}

func toAnthropicTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: marshal schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}

func fromAnthropicMessage(m *anthropic.Message) *Message {
	msg := &Message{Role: "assistant"}
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	return msg
}

func wrapAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return classifyErr(err, apierr.StatusCode)
	}
	return classifyErr(err, 0)
}
