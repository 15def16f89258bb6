// Package provider abstracts LLM and embedding backends behind a
// uniform requester interface keyed by provider type.
package provider

import "encoding/json"

// Message is the provider-neutral chat message. Content carries plain
// text; ContentParts is set instead when the message mixes text and
// images for a vision-capable model.
type Message struct {
	Role         string        `json:"role"`
	Content      string        `json:"content,omitempty"`
	ContentParts []ContentPart `json:"content_parts,omitempty"`
	Name         string        `json:"name,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID   string        `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL points at an image, either a fetchable URL or a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// PlainContent flattens a message to its text, dropping image parts.
func (m Message) PlainContent() string {
	if len(m.ContentParts) == 0 {
		return m.Content
	}
	out := ""
	for _, part := range m.ContentParts {
		if part.Type == "text" {
			out += part.Text
		}
	}
	return out
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool is a callable tool definition advertised to the model.
// Parameters is a JSON Schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// TextMessage builds a plain text message.
func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// ToolResultMessage builds the tool-role message carrying a tool's
// output back to the model.
func ToolResultMessage(toolCallID, content string) Message {
	return Message{Role: "tool", ToolCallID: toolCallID, Content: content}
}
