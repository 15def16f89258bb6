package pipeline

import (
	"sync"

	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/internal/session"
	"github.com/langbot-app/LangBot/pkg/message"
)

// Well-known variable bag keys populated by the pre-processor.
const (
	VarSessionID       = "session_id"
	VarConversationID  = "conversation_id"
	VarMsgCreateTime   = "msg_create_time"
	VarSenderID        = "sender_id"
	VarSenderName      = "sender_name"
	VarUserMessageText = "user_message_text"
)

// Query is the mutable per-request envelope threaded through the
// pipeline. It is created at ingress, registered in the pool under its
// id, and removed after the final stage or on error.
type Query struct {
	// QueryID is unique within the process and strictly increasing.
	QueryID uint64

	LauncherType session.LauncherType
	LauncherID   string
	SenderID     string

	// Adapter is the originating platform adapter.
	Adapter platform.Adapter

	BotUUID string

	// MessageEvent is the canonical inbound event.
	MessageEvent message.Event

	// MessageChain is the user input; the pre-processor may replace it.
	MessageChain message.MessageChain

	PipelineUUID string

	// PipelineConfig is a materialized config snapshot addressed by
	// dotted paths. Immutable for the life of the query.
	PipelineConfig map[string]any

	// Session is filled by the pre-processor.
	Session *session.Session

	// UseLLMModelUUID is the model bound by the pre-processor.
	UseLLMModelUUID string

	// Prompt is the assembled conversation prompt (system + history).
	Prompt []provider.Message

	// Messages is the message list handed to the LLM.
	Messages []provider.Message

	// RespMessages collects assistant messages produced by the runner.
	RespMessages []provider.Message

	// RespMessageChains holds one chain per reply frame to send.
	RespMessageChains []message.MessageChain

	// variables is the string-keyed bag exposed to plugins and prompt
	// assembly. Guarded because plugin RPC verbs read it concurrently
	// with stage writes.
	variables map[string]any
	varMu     sync.RWMutex
}

// SetVariable stores a value in the query's variable bag.
func (q *Query) SetVariable(key string, value any) {
	q.varMu.Lock()
	defer q.varMu.Unlock()
	if q.variables == nil {
		q.variables = make(map[string]any)
	}
	q.variables[key] = value
}

// Variable reads one value from the variable bag.
func (q *Query) Variable(key string) (any, bool) {
	q.varMu.RLock()
	defer q.varMu.RUnlock()
	v, ok := q.variables[key]
	return v, ok
}

// VariableString reads a variable as a string, or empty.
func (q *Query) VariableString(key string) string {
	if v, ok := q.Variable(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Variables returns a copy of the whole bag.
func (q *Query) Variables() map[string]any {
	q.varMu.RLock()
	defer q.varMu.RUnlock()
	out := make(map[string]any, len(q.variables))
	for k, v := range q.variables {
		out[k] = v
	}
	return out
}
