// Package slack adapts Slack apps to the canonical message model. It
// receives Events API callbacks through the unified webhook dispatcher
// and sends through the Web API via github.com/slack-go/slack.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/pkg/message"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// Config holds the Slack adapter settings.
type Config struct {
	// BotToken is the xoxb- token used for the Web API.
	BotToken string

	Logger *observability.Logger
}

// APIClient wraps the slack.Client methods the adapter uses, so tests
// can inject a fake.
type APIClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Adapter implements platform.Adapter for Slack.
type Adapter struct {
	config  Config
	logger  *observability.Logger
	botUUID string

	// Client is injectable for tests; RunAsync builds the real one when
	// nil.
	Client APIClient

	botMu     sync.RWMutex
	botUserID string

	mu        sync.RWMutex
	listeners map[string]platform.EventListener
	cancel    context.CancelFunc
}

// NewAdapter creates a Slack adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if config.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
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
	return a.deliver(ctx, targetID, chain, "")
}

func (a *Adapter) ReplyMessage(ctx context.Context, source message.Event, chain message.MessageChain, quoteOrigin bool) error {
	native, _ := source.PlatformObject().(*slackevents.MessageEvent)
	if native == nil {
		return fmt.Errorf("slack: no reply context for event")
	}
	threadTS := ""
	if quoteOrigin {
		threadTS = native.TimeStamp
	}
	return a.deliver(ctx, native.Channel, chain, threadTS)
}

func (a *Adapter) deliver(ctx context.Context, channelID string, chain message.MessageChain, threadTS string) error {
	if a.Client == nil {
		return fmt.Errorf("slack: client not started")
	}

	text, images := chainToOutgoing(chain)
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(images) > 0 {
		attachments := make([]slack.Attachment, 0, len(images))
		for _, url := range images {
			attachments = append(attachments, slack.Attachment{ImageURL: url})
		}
		options = append(options, slack.MsgOptionAttachments(attachments...))
	}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}

	if _, _, err := a.Client.PostMessageContext(ctx, channelID, options...); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// HandleUnifiedWebhook serves Events API callbacks: the one-time URL
// verification handshake echoes the challenge, and message callbacks
// dispatch into the pipeline listener.
func (a *Adapter) HandleUnifiedWebhook(ctx context.Context, botUUID, path string, r *http.Request) (*platform.WebhookResponse, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("slack: read body: %w", err)
	}

	apiEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("slack: parse event: %w", err)
	}

	switch apiEvent.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			return nil, fmt.Errorf("slack: parse challenge: %w", err)
		}
		return &platform.WebhookResponse{
			StatusCode:  http.StatusOK,
			ContentType: "text/plain",
			Body:        []byte(challenge.Challenge),
		}, nil

	case slackevents.CallbackEvent:
		switch ev := apiEvent.InnerEvent.Data.(type) {
		case *slackevents.AppMentionEvent:
			a.handleMessage(ctx, &slackevents.MessageEvent{
				Type:            "message",
				User:            ev.User,
				Text:            ev.Text,
				Channel:         ev.Channel,
				TimeStamp:       ev.TimeStamp,
				ThreadTimeStamp: ev.ThreadTimeStamp,
			})
		case *slackevents.MessageEvent:
			a.handleMessage(ctx, ev)
		}
		return platform.JSONResponse([]byte(`{"ok":true}`)), nil
	}

	return platform.JSONResponse([]byte(`{"ok":true}`)), nil
}

// handleMessage filters and dispatches one message event.
func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// Bot and system subtype traffic is dropped; file_share still
	// carries a user message.
	if ev.BotID != "" {
		return
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}
	if ev.User != "" && ev.User == a.BotUserID() {
		return
	}

	chain := eventToChain(ev, a.BotUserID())
	event := a.buildEvent(ev, chain)

	a.mu.RLock()
	listener := a.listeners[event.EventType()]
	a.mu.RUnlock()
	if listener == nil {
		return
	}
	if err := listener(ctx, event, a); err != nil && a.logger != nil {
		a.logger.Error(ctx, "slack event handling failed",
			"channel", ev.Channel, "error", err)
	}
}

func (a *Adapter) buildEvent(ev *slackevents.MessageEvent, chain message.MessageChain) message.Event {
	ts := slackTimestamp(ev.TimeStamp)

	// Direct-message channel ids start with D.
	if strings.HasPrefix(ev.Channel, "D") {
		return &message.FriendMessage{
			Sender:               message.Friend{ID: ev.User},
			MessageChain:         chain,
			Time:                 ts,
			SourcePlatformObject: ev,
		}
	}
	return &message.GroupMessage{
		Sender: message.GroupMember{
			ID:    ev.User,
			Group: message.Group{ID: ev.Channel},
		},
		MessageChain:         chain,
		Time:                 ts,
		SourcePlatformObject: ev,
	}
}

func (a *Adapter) RunAsync(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.Client == nil {
		a.Client = slack.New(a.config.BotToken)
	}

	auth, err := a.Client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botMu.Lock()
	a.botUserID = auth.UserID
	a.botMu.Unlock()

	<-ctx.Done()
	return nil
}

func (a *Adapter) SetBotUUID(uuid string) { a.botUUID = uuid }

func (a *Adapter) Kill(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// BotUserID returns the authenticated bot user id, empty before
// RunAsync completes the auth test.
func (a *Adapter) BotUserID() string {
	a.botMu.RLock()
	defer a.botMu.RUnlock()
	return a.botUserID
}

// slackTimestamp converts a Slack "1700000000.123456" timestamp into
// unix seconds.
func slackTimestamp(ts string) int64 {
	whole, _, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	return sec
}
