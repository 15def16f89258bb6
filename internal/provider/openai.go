package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

func init() {
	RegisterRequester("openai-chat-completions", func() Requester { return &OpenAIRequester{} })
}

// OpenAIRequester speaks the OpenAI chat-completions and embeddings
// APIs. BaseURL on the model lets it front any compatible endpoint
// (Azure gateways, local servers, proxies).
type OpenAIRequester struct{}

func (r *OpenAIRequester) clientFor(model *RuntimeModel) *openai.Client {
	cfg := openai.DefaultConfig(model.APIKey)
	if model.BaseURL != "" {
		cfg.BaseURL = model.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Invoke runs a non-streaming chat completion.
func (r *OpenAIRequester) Invoke(ctx context.Context, model *RuntimeModel, messages []Message, tools []Tool) (*Message, error) {
	req := openai.ChatCompletionRequest{
		Model:    model.Model,
		Messages: toOpenAIMessages(messages),
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	resp, err := r.clientFor(model).CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices for model %s", model.Model)
	}
	msg := fromOpenAIMessage(resp.Choices[0].Message)
	return &msg, nil
}

// InvokeStream runs a streaming chat completion, accumulating text and
// tool call fragments. onDelta sees each text fragment; its error
// aborts the stream.
func (r *OpenAIRequester) InvokeStream(ctx context.Context, model *RuntimeModel, messages []Message, tools []Tool, onDelta func(text string) error) (*Message, error) {
	req := openai.ChatCompletionRequest{
		Model:    model.Model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	stream, err := r.clientFor(model).CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	defer stream.Close()

	final := Message{Role: "assistant"}
	// Tool call fragments arrive keyed by index and must be stitched
	// back together across chunks.
	calls := map[int]*ToolCall{}
	args := map[int]string{}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, wrapOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			final.Content += delta.Content
			if onDelta != nil {
				if err := onDelta(delta.Content); err != nil {
					return nil, err
				}
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if calls[idx] == nil {
				calls[idx] = &ToolCall{}
			}
			if tc.ID != "" {
				calls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[idx].Name = tc.Function.Name
			}
			args[idx] += tc.Function.Arguments
		}
	}

	for idx := 0; idx < len(calls); idx++ {
		tc, ok := calls[idx]
		if !ok {
			continue
		}
		tc.Arguments = json.RawMessage(args[idx])
		final.ToolCalls = append(final.ToolCalls, *tc)
	}
	return &final, nil
}

// InvokeEmbedding embeds texts in one batch request.
func (r *OpenAIRequester) InvokeEmbedding(ctx context.Context, model *RuntimeModel, texts []string) ([][]float32, error) {
	resp, err := r.clientFor(model).CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model.Model),
		Input: texts,
	})
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: embedding count %d does not match input count %d", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		if len(msg.ContentParts) > 0 {
			parts := make([]openai.ChatMessagePart, 0, len(msg.ContentParts))
			for _, p := range msg.ContentParts {
				switch p.Type {
				case "text":
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: p.Text,
					})
				case "image_url":
					if p.ImageURL == nil {
						continue
					}
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    p.ImageURL.URL,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
			}
			m.MultiContent = parts
		} else {
			m.Content = msg.Content
		}
		if len(msg.ToolCalls) > 0 {
			m.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				m.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		result = append(result, m)
	}
	return result
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg
}

func toOpenAITools(tools []Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyErr(err, apiErr.HTTPStatusCode)
	}
	return classifyErr(err, 0)
}
