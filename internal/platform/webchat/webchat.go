// Package webchat is the in-app debug console adapter. It has no real
// platform behind it: the HTTP and WebSocket debug surfaces feed user
// chains in, and the pipeline's reply resolves the caller's wait, so a
// debug send returns the bot's answer synchronously.
package webchat

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/pkg/message"
)

const (
	SessionPerson = "person"
	SessionGroup  = "group"

	personSessionKey = "webchatperson"
	groupSessionKey  = "webchatgroup"
)

// Message is one history entry of a debug session.
type Message struct {
	ID           string               `json:"id"`
	Role         string               `json:"role"`
	Content      string               `json:"content"`
	MessageChain message.MessageChain `json:"message_chain"`
	Timestamp    string               `json:"timestamp"`
}

type waitResult struct {
	msg Message
	err error
}

// Adapter implements platform.Adapter for the debug console.
type Adapter struct {
	logger  *observability.Logger
	botUUID string

	// SelectPipeline rebinds the owning bot to the pipeline named in a
	// debug send. Wired by the bot loader.
	SelectPipeline func(pipelineUUID string)

	seq atomic.Uint64
	now func() time.Time

	mu        sync.Mutex
	listeners map[string]platform.EventListener
	histories map[string][]Message
	waiters   map[string]chan waitResult
}

// NewAdapter creates a webchat adapter.
func NewAdapter(logger *observability.Logger) *Adapter {
	return &Adapter{
		logger:    logger,
		now:       time.Now,
		listeners: make(map[string]platform.EventListener),
		histories: make(map[string][]Message),
		waiters:   make(map[string]chan waitResult),
	}
}

func (a *Adapter) RegisterListener(eventType string, fn platform.EventListener) {
	a.mu.Lock()
	a.listeners[eventType] = fn
	a.mu.Unlock()
}

func (a *Adapter) UnregisterListener(eventType string) {
	a.mu.Lock()
	delete(a.listeners, eventType)
	a.mu.Unlock()
}

// SendDebugMessage feeds a user chain into the pipeline and blocks
// until the reply arrives or ctx expires. Exactly one reply or one
// error resolves each send; the waiter entry is removed either way.
func (a *Adapter) SendDebugMessage(ctx context.Context, pipelineUUID, sessionType string, chain message.MessageChain) (Message, error) {
	key, err := sessionKey(sessionType)
	if err != nil {
		return Message{}, err
	}

	now := a.now()
	msgID := strconv.FormatUint(a.seq.Add(1), 10)
	chain = chain.WithSource(msgID, now)

	userMsg := Message{
		ID:           msgID,
		Role:         "user",
		Content:      chain.PlainText(),
		MessageChain: chain,
		Timestamp:    now.Format(time.RFC3339),
	}

	event := a.buildEvent(sessionType, chain, now)

	a.mu.Lock()
	a.histories[key] = append(a.histories[key], userMsg)
	listener, ok := a.listeners[event.EventType()]
	if !ok {
		a.mu.Unlock()
		return Message{}, fmt.Errorf("no listener registered for %s", event.EventType())
	}
	waiter := make(chan waitResult, 1)
	a.waiters[msgID] = waiter
	a.mu.Unlock()

	if a.SelectPipeline != nil {
		a.SelectPipeline(pipelineUUID)
	}

	go func() {
		if err := listener(ctx, event, a); err != nil {
			a.resolve(msgID, Message{}, err)
		}
	}()

	select {
	case res := <-waiter:
		if res.err != nil {
			return Message{}, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		a.dropWaiter(msgID)
		return Message{}, ctx.Err()
	}
}

func (a *Adapter) buildEvent(sessionType string, chain message.MessageChain, now time.Time) message.Event {
	if sessionType == SessionGroup {
		return &message.GroupMessage{
			Sender: message.GroupMember{
				ID:       personSessionKey,
				Nickname: "webchat",
				Group:    message.Group{ID: groupSessionKey},
			},
			MessageChain: chain,
			Time:         now.Unix(),
		}
	}
	return &message.FriendMessage{
		Sender:       message.Friend{ID: personSessionKey, Nickname: "webchat"},
		MessageChain: chain,
		Time:         now.Unix(),
	}
}

// SendMessage records a proactive outbound message in the session
// history. There is no push channel; the console polls history.
func (a *Adapter) SendMessage(ctx context.Context, targetType, targetID string, chain message.MessageChain) error {
	key, err := sessionKey(targetType)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.histories[key] = append(a.histories[key], Message{
		ID:           strconv.FormatUint(a.seq.Add(1), 10),
		Role:         "assistant",
		Content:      chain.PlainText(),
		MessageChain: chain,
		Timestamp:    a.now().Format(time.RFC3339),
	})
	a.mu.Unlock()
	return nil
}

// ReplyMessage stores the bot reply in history and resolves the waiter
// of the originating debug send.
func (a *Adapter) ReplyMessage(ctx context.Context, source message.Event, chain message.MessageChain, quoteOrigin bool) error {
	msgID := source.Chain().MessageID()
	key := personSessionKey
	if source.EventType() == "GroupMessage" {
		key = groupSessionKey
	}

	reply := Message{
		ID:           msgID,
		Role:         "assistant",
		Content:      chain.PlainText(),
		MessageChain: chain,
		Timestamp:    a.now().Format(time.RFC3339),
	}

	a.mu.Lock()
	a.histories[key] = append(a.histories[key], reply)
	a.mu.Unlock()

	a.resolve(msgID, reply, nil)
	return nil
}

// History returns a copy of the session's messages.
func (a *Adapter) History(sessionType string) ([]Message, error) {
	key, err := sessionKey(sessionType)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.histories[key]...), nil
}

// Reset clears the session's history.
func (a *Adapter) Reset(sessionType string) error {
	key, err := sessionKey(sessionType)
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.histories, key)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) HandleUnifiedWebhook(ctx context.Context, botUUID, path string, r *http.Request) (*platform.WebhookResponse, error) {
	return nil, platform.ErrWebhookUnsupported
}

func (a *Adapter) RunAsync(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (a *Adapter) SetBotUUID(uuid string) { a.botUUID = uuid }

// Kill fails every pending debug send so no caller blocks forever.
func (a *Adapter) Kill(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.waiters {
		ch <- waitResult{err: fmt.Errorf("adapter shut down")}
		delete(a.waiters, id)
	}
	return nil
}

// PendingWaiters reports how many debug sends are still unresolved.
func (a *Adapter) PendingWaiters() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}

func (a *Adapter) resolve(msgID string, msg Message, err error) {
	a.mu.Lock()
	ch, ok := a.waiters[msgID]
	delete(a.waiters, msgID)
	a.mu.Unlock()
	if ok {
		ch <- waitResult{msg: msg, err: err}
	}
}

func (a *Adapter) dropWaiter(msgID string) {
	a.mu.Lock()
	delete(a.waiters, msgID)
	a.mu.Unlock()
}

func sessionKey(sessionType string) (string, error) {
	switch sessionType {
	case SessionPerson:
		return personSessionKey, nil
	case SessionGroup:
		return groupSessionKey, nil
	default:
		return "", fmt.Errorf("invalid session type: %s", sessionType)
	}
}
