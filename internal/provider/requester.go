package provider

import (
	"context"
	"fmt"
	"sync"
)

// Requester talks to one provider API. Implementations are stateless
// with respect to models; the model's credentials and base URL arrive
// with each call so one requester serves many configured models.
type Requester interface {
	// Invoke runs a chat completion and returns the assistant message,
	// which may carry tool calls instead of (or alongside) text.
	Invoke(ctx context.Context, model *RuntimeModel, messages []Message, tools []Tool) (*Message, error)

	// InvokeStream runs a streaming chat completion. onDelta is called
	// for each text fragment; returning an error from it aborts the
	// stream and propagates the error. The accumulated final message is
	// returned on success.
	InvokeStream(ctx context.Context, model *RuntimeModel, messages []Message, tools []Tool, onDelta func(text string) error) (*Message, error)

	// InvokeEmbedding embeds the given texts, one vector per input, in
	// input order.
	InvokeEmbedding(ctx context.Context, model *RuntimeModel, texts []string) ([][]float32, error)
}

// RequesterFactory builds a requester for a provider type.
type RequesterFactory func() Requester

var (
	requesterMu sync.RWMutex
	requesters  = map[string]RequesterFactory{}
)

// RegisterRequester makes a requester available under a provider type
// name such as "openai-chat-completions" or "anthropic-messages".
func RegisterRequester(providerType string, factory RequesterFactory) {
	requesterMu.Lock()
	defer requesterMu.Unlock()
	requesters[providerType] = factory
}

// NewRequester instantiates the requester for a provider type.
func NewRequester(providerType string) (Requester, error) {
	requesterMu.RLock()
	factory, ok := requesters[providerType]
	requesterMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", providerType)
	}
	return factory(), nil
}
