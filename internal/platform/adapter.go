// Package platform defines the adapter contract every messaging
// platform implements, the bot registry, and the unified webhook
// dispatcher that fans requests into adapters by bot uuid.
package platform

import (
	"context"
	"net/http"

	"github.com/langbot-app/LangBot/pkg/message"
)

// EventListener handles a canonical inbound event. The pipeline
// registry installs one listener per event type at bot load.
type EventListener func(ctx context.Context, event message.Event, adapter Adapter) error

// WebhookResponse is what an adapter returns from a unified webhook
// call: the HTTP status and body the platform expects (validation echo,
// ack payload, or error body).
type WebhookResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// JSONResponse builds a 200 response with a JSON body.
func JSONResponse(body []byte) *WebhookResponse {
	return &WebhookResponse{StatusCode: http.StatusOK, ContentType: "application/json", Body: body}
}

// Adapter is the per-platform component owning message conversion and
// the outbound send/reply path. Platform-native types never leak past
// the adapter boundary.
type Adapter interface {
	// RegisterListener installs a listener for an event type
	// ("FriendMessage" or "GroupMessage").
	RegisterListener(eventType string, fn EventListener)

	// UnregisterListener removes the listener for an event type.
	UnregisterListener(eventType string)

	// SendMessage initiates an outbound message to a target.
	SendMessage(ctx context.Context, targetType string, targetID string, chain message.MessageChain) error

	// ReplyMessage sends a reply preserving the source event's context.
	// quoteOrigin asks the platform to render a reply-to construct
	// where supported.
	ReplyMessage(ctx context.Context, source message.Event, chain message.MessageChain, quoteOrigin bool) error

	// HandleUnifiedWebhook is the single entrypoint called by the
	// dispatcher. The adapter parses, verifies, and fans the request
	// into its internal event handler.
	HandleUnifiedWebhook(ctx context.Context, botUUID string, path string, r *http.Request) (*WebhookResponse, error)

	// RunAsync starts the adapter's long-running work and blocks until
	// the context is cancelled. Webhook-mode adapters simply wait.
	RunAsync(ctx context.Context) error

	// SetBotUUID tells the adapter which bot it serves.
	SetBotUUID(uuid string)

	// Kill shuts the adapter down.
	Kill(ctx context.Context) error
}
