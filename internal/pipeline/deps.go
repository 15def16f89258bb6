package pipeline

import (
	"context"

	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/internal/rag/knowledge"
	"github.com/langbot-app/LangBot/internal/session"
	"github.com/langbot-app/LangBot/pkg/message"
)

// EventResult is the outcome of a plugin lifecycle event emission.
type EventResult struct {
	// PreventDefault set by a plugin skips the remainder of the
	// pipeline except the reply stage.
	PreventDefault bool

	// Prompt optionally replaces the default-assembled prompt when a
	// plugin prevents the default of the pre-process event.
	Prompt []provider.Message

	// ReplyChain optionally carries a reply produced by a plugin.
	ReplyChain []map[string]any
}

// EventEmitter sends pipeline lifecycle events to the plugin runtime.
// The plugin connector implements it; a nil emitter disables events.
type EventEmitter interface {
	EmitEvent(ctx context.Context, eventName string, payload map[string]any) (*EventResult, error)
}

// ToolDispatcher routes model tool calls to the plugin runtime.
type ToolDispatcher interface {
	ListTools(ctx context.Context) ([]provider.Tool, error)
	CallTool(ctx context.Context, name string, params map[string]any, queryID uint64) (string, error)
}

// CommandRouter detects and executes in-chat commands. The command
// registry implements it; a nil router disables command handling.
type CommandRouter interface {
	Match(text string) (name string, args []string, ok bool)
	Execute(ctx context.Context, q *Query, name string, args []string) (message.MessageChain, error)
}

// StageDeps bundles everything stage implementations may need. Stages
// take what they use and ignore the rest.
type StageDeps struct {
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Pool     *Pool
	Sessions *session.Manager
	Models   *provider.ModelManager
	KBs      *knowledge.Manager
	Emitter  EventEmitter
	Tools    ToolDispatcher
	Commands CommandRouter
}
