// Package discord adapts Discord bots to the canonical message model
// over the github.com/bwmarrin/discordgo gateway.
package discord

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/pkg/message"
)

// Config holds the Discord adapter settings.
type Config struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string

	Logger *observability.Logger
}

// discordSession wraps the discordgo.Session methods the adapter uses,
// so tests can inject a fake.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Adapter implements platform.Adapter for Discord.
type Adapter struct {
	config  Config
	logger  *observability.Logger
	botUUID string

	session discordSession
	botID   string

	mu        sync.RWMutex
	listeners map[string]platform.EventListener
	cancel    context.CancelFunc
}

// NewAdapter creates a Discord adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	return &Adapter{
		config:    config,
		logger:    config.Logger,
		listeners: make(map[string]platform.EventListener),
	}, nil
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

func (a *Adapter) SendMessage(ctx context.Context, targetType, targetID string, chain message.MessageChain) error {
	return a.deliver(targetID, chain, "")
}

func (a *Adapter) ReplyMessage(ctx context.Context, source message.Event, chain message.MessageChain, quoteOrigin bool) error {
	native, _ := source.PlatformObject().(*discordgo.MessageCreate)
	if native == nil {
		return fmt.Errorf("discord: no reply context for event")
	}
	replyTo := ""
	if quoteOrigin {
		replyTo = native.ID
	}
	return a.deliver(native.ChannelID, chain, replyTo)
}

func (a *Adapter) deliver(channelID string, chain message.MessageChain, replyTo string) error {
	if a.session == nil {
		return fmt.Errorf("discord: session not started")
	}

	send := chainToSend(chain)
	if replyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
	}
	if _, err := a.session.ChannelMessageSendComplex(channelID, send); err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	return nil
}

// HandleUnifiedWebhook is not used; the adapter receives events over
// the gateway connection.
func (a *Adapter) HandleUnifiedWebhook(ctx context.Context, botUUID, path string, r *http.Request) (*platform.WebhookResponse, error) {
	return nil, platform.ErrWebhookUnsupported
}

func (a *Adapter) RunAsync(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.session == nil {
		s, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.session = s
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	<-ctx.Done()
	return a.session.Close()
}

func (a *Adapter) SetBotUUID(uuid string) { a.botUUID = uuid }

func (a *Adapter) Kill(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.botID = r.User.ID
	}
}

// handleMessageCreate converts one gateway message and dispatches it to
// the registered listener.
func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	// Drop the bot's own messages to avoid reply loops.
	if m.Author.ID == a.botID {
		return
	}

	chain := messageToChain(m, a.botID)
	event := a.buildEvent(m, chain)

	a.mu.RLock()
	listener := a.listeners[event.EventType()]
	a.mu.RUnlock()
	if listener == nil {
		return
	}

	ctx := context.Background()
	if err := listener(ctx, event, a); err != nil && a.logger != nil {
		a.logger.Error(ctx, "discord event handling failed",
			"channel_id", m.ChannelID, "error", err)
	}
}

func (a *Adapter) buildEvent(m *discordgo.MessageCreate, chain message.MessageChain) message.Event {
	ts := m.Timestamp.Unix()

	// GuildID is empty for direct messages.
	if m.GuildID == "" {
		return &message.FriendMessage{
			Sender:               message.Friend{ID: m.Author.ID, Nickname: m.Author.Username},
			MessageChain:         chain,
			Time:                 ts,
			SourcePlatformObject: m,
		}
	}
	return &message.GroupMessage{
		Sender: message.GroupMember{
			ID:       m.Author.ID,
			Nickname: m.Author.Username,
			Group:    message.Group{ID: m.ChannelID},
		},
		MessageChain:         chain,
		Time:                 ts,
		SourcePlatformObject: m,
	}
}
