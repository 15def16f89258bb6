// Package telegram adapts Telegram bots to the canonical message model
// using long polling via github.com/go-telegram/bot.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/pkg/message"
)

// Config holds the Telegram adapter settings.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	Logger *observability.Logger
}

// BotClient wraps the bot.Bot methods the adapter uses, so tests can
// inject a fake.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	GetMe(ctx context.Context) (*models.User, error)
	RegisterHandler(handlerType bot.HandlerType, pattern string, matchType bot.MatchType, handler bot.HandlerFunc, middlewares ...bot.Middleware) string
	Start(ctx context.Context)
}

// Adapter implements platform.Adapter for Telegram.
type Adapter struct {
	config  Config
	logger  *observability.Logger
	botUUID string

	// Client is injectable for tests; RunAsync builds the real one when
	// nil.
	Client BotClient

	botID       int64
	botUsername string

	mu        sync.RWMutex
	listeners map[string]platform.EventListener
	cancel    context.CancelFunc
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
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
	chatID, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", targetID, err)
	}
	return a.deliver(ctx, chatID, chain, 0)
}

func (a *Adapter) ReplyMessage(ctx context.Context, source message.Event, chain message.MessageChain, quoteOrigin bool) error {
	native, _ := source.PlatformObject().(*models.Message)
	var chatID int64
	var replyTo int
	if native != nil {
		chatID = native.Chat.ID
		if quoteOrigin {
			replyTo = native.ID
		}
	} else {
		id, err := strconv.ParseInt(source.LauncherID(), 10, 64)
		if err != nil {
			return fmt.Errorf("telegram: no reply context for event")
		}
		chatID = id
	}
	return a.deliver(ctx, chatID, chain, replyTo)
}

func (a *Adapter) deliver(ctx context.Context, chatID int64, chain message.MessageChain, replyTo int) error {
	if a.Client == nil {
		return fmt.Errorf("telegram: bot not started")
	}

	out := chainToOutgoing(chain)
	if out.Text != "" {
		params := &bot.SendMessageParams{ChatID: chatID, Text: out.Text}
		if replyTo != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
		}
		if _, err := a.Client.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	for _, photo := range out.Photos {
		_, err := a.Client.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID: chatID,
			Photo:  &models.InputFileString{Data: photo},
		})
		if err != nil {
			return fmt.Errorf("telegram: send photo: %w", err)
		}
	}
	return nil
}

// HandleUnifiedWebhook is not used; the adapter receives updates via
// long polling.
func (a *Adapter) HandleUnifiedWebhook(ctx context.Context, botUUID, path string, r *http.Request) (*platform.WebhookResponse, error) {
	return nil, platform.ErrWebhookUnsupported
}

func (a *Adapter) RunAsync(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.Client == nil {
		b, err := bot.New(a.config.Token)
		if err != nil {
			return fmt.Errorf("telegram: create bot: %w", err)
		}
		a.Client = b
	}

	me, err := a.Client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}
	a.botID = me.ID
	a.botUsername = me.Username

	a.Client.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)
	a.Client.Start(ctx)
	return nil
}

func (a *Adapter) SetBotUUID(uuid string) { a.botUUID = uuid }

func (a *Adapter) Kill(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// handleUpdate converts one inbound update and dispatches it to the
// registered listener.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	// Drop the bot's own messages to avoid reply loops.
	if msg.From != nil && (msg.From.ID == a.botID || msg.From.IsBot && msg.From.Username == a.botUsername) {
		return
	}

	chain := messageToChain(msg, a.botID, a.botUsername)
	event := a.buildEvent(msg, chain)

	a.mu.RLock()
	listener := a.listeners[event.EventType()]
	a.mu.RUnlock()
	if listener == nil {
		return
	}
	if err := listener(ctx, event, a); err != nil && a.logger != nil {
		a.logger.Error(ctx, "telegram event handling failed",
			"chat_id", msg.Chat.ID, "error", err)
	}
}

func (a *Adapter) buildEvent(msg *models.Message, chain message.MessageChain) message.Event {
	senderID := ""
	senderName := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		senderName = msg.From.FirstName
		if msg.From.LastName != "" {
			senderName += " " + msg.From.LastName
		}
	}

	if msg.Chat.Type == models.ChatTypePrivate {
		return &message.FriendMessage{
			Sender:               message.Friend{ID: senderID, Nickname: senderName},
			MessageChain:         chain,
			Time:                 int64(msg.Date),
			SourcePlatformObject: msg,
		}
	}
	return &message.GroupMessage{
		Sender: message.GroupMember{
			ID:       senderID,
			Nickname: senderName,
			Group:    message.Group{ID: strconv.FormatInt(msg.Chat.ID, 10), Name: msg.Chat.Title},
		},
		MessageChain:         chain,
		Time:                 int64(msg.Date),
		SourcePlatformObject: msg,
	}
}
