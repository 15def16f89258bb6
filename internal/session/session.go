// Package session tracks conversation state per message launcher.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LauncherType distinguishes direct and group conversations.
type LauncherType string

const (
	LauncherPerson LauncherType = "person"
	LauncherGroup  LauncherType = "group"
)

// Message is one turn inside a conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Conversation is an ordered message history. It is created lazily and
// persisted by an external store.
type Conversation struct {
	UUID      string    `json:"uuid"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// NewConversation allocates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{
		UUID:      uuid.NewString(),
		CreatedAt: time.Now(),
	}
}

// Session is the per-launcher conversation holder, shared across
// queries with the same launcher. Stages that touch session state must
// hold the session mutex.
type Session struct {
	LauncherType LauncherType
	LauncherID   string

	// UsingConversation is the active conversation. nil means a new
	// one is allocated on next use.
	UsingConversation *Conversation

	// History holds conversations rotated out by "new conversation".
	History []*Conversation

	CreatedAt time.Time

	mu sync.Mutex
}

// Lock acquires the session mutex.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session mutex.
func (s *Session) Unlock() { s.mu.Unlock() }

// Conversation returns the active conversation, allocating one if none
// is in use. Caller must hold the session mutex.
func (s *Session) Conversation() *Conversation {
	if s.UsingConversation == nil {
		s.UsingConversation = NewConversation()
	}
	return s.UsingConversation
}

// Reset rotates the active conversation into history so the next query
// starts fresh. Caller must hold the session mutex.
func (s *Session) Reset() {
	if s.UsingConversation != nil {
		s.History = append(s.History, s.UsingConversation)
	}
	s.UsingConversation = nil
}

// Manager hands out sessions keyed by (launcher type, launcher id).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

func sessionKey(lt LauncherType, launcherID string) string {
	return string(lt) + "_" + launcherID
}

// Get returns the session for a launcher, creating it on first use.
func (m *Manager) Get(ctx context.Context, lt LauncherType, launcherID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(lt, launcherID)
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &Session{
		LauncherType: lt,
		LauncherID:   launcherID,
		CreatedAt:    time.Now(),
	}
	m.sessions[key] = s
	return s
}

// Peek returns the session if it exists, without creating it.
func (m *Manager) Peek(lt LauncherType, launcherID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(lt, launcherID)]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
