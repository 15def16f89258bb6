package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/langbot-app/LangBot/internal/observability"
)

// ErrWebhookUnsupported is returned by adapters that have no webhook
// entrypoint (long-polling or in-process adapters). The dispatcher maps
// it to 501.
var ErrWebhookUnsupported = errors.New("adapter does not handle webhooks")

// RuntimeBot is a loaded bot: its identity, its adapter, and the
// pipeline its traffic is routed into.
type RuntimeBot struct {
	UUID   string
	Name   string
	Enable bool

	Adapter Adapter

	// UsePipelineUUID selects the pipeline for this bot's queries. The
	// webchat adapter rebinds it per debug request.
	UsePipelineUUID string

	mu sync.RWMutex
}

// SetPipeline rebinds the bot to another pipeline.
func (b *RuntimeBot) SetPipeline(uuid string) {
	b.mu.Lock()
	b.UsePipelineUUID = uuid
	b.mu.Unlock()
}

// PipelineUUID returns the currently bound pipeline.
func (b *RuntimeBot) PipelineUUID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.UsePipelineUUID
}

// BotManager owns the set of loaded bots and wires each adapter's
// inbound events into the pipeline callback.
type BotManager struct {
	logger *observability.Logger

	mu   sync.RWMutex
	bots map[string]*RuntimeBot
}

// NewBotManager creates an empty bot registry.
func NewBotManager(logger *observability.Logger) *BotManager {
	return &BotManager{logger: logger, bots: make(map[string]*RuntimeBot)}
}

// LoadBot registers a bot and installs the listener for both canonical
// event types. Loading the same uuid twice replaces the previous entry
// without killing its adapter; call RemoveBot first for a clean swap.
func (m *BotManager) LoadBot(bot *RuntimeBot, listener EventListener) error {
	if bot.UUID == "" {
		return fmt.Errorf("bot uuid is empty")
	}
	if bot.Adapter == nil {
		return fmt.Errorf("bot %s has no adapter", bot.UUID)
	}

	bot.Adapter.SetBotUUID(bot.UUID)
	bot.Adapter.RegisterListener("FriendMessage", listener)
	bot.Adapter.RegisterListener("GroupMessage", listener)

	m.mu.Lock()
	m.bots[bot.UUID] = bot
	m.mu.Unlock()
	return nil
}

// Get looks a bot up by uuid.
func (m *BotManager) Get(uuid string) (*RuntimeBot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[uuid]
	return b, ok
}

// List returns all loaded bots.
func (m *BotManager) List() []*RuntimeBot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RuntimeBot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, b)
	}
	return out
}

// RemoveBot kills a bot's adapter and drops it from the registry.
func (m *BotManager) RemoveBot(ctx context.Context, uuid string) error {
	m.mu.Lock()
	bot, ok := m.bots[uuid]
	delete(m.bots, uuid)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("bot not found: %s", uuid)
	}

	bot.Adapter.UnregisterListener("FriendMessage")
	bot.Adapter.UnregisterListener("GroupMessage")
	return bot.Adapter.Kill(ctx)
}

// RunAll starts every enabled adapter and blocks until the context is
// cancelled. Adapter failures are logged, not fatal; one broken
// platform must not take the rest down.
func (m *BotManager) RunAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, bot := range m.List() {
		if !bot.Enable {
			continue
		}
		wg.Add(1)
		go func(b *RuntimeBot) {
			defer wg.Done()
			if err := b.Adapter.RunAsync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				if m.logger != nil {
					m.logger.Error(ctx, "adapter stopped", "bot", b.UUID, "error", err)
				}
			}
		}(bot)
	}
	wg.Wait()
}

// Shutdown kills every adapter.
func (m *BotManager) Shutdown(ctx context.Context) {
	for _, bot := range m.List() {
		if err := bot.Adapter.Kill(ctx); err != nil && m.logger != nil {
			m.logger.Warn(ctx, "adapter kill failed", "bot", bot.UUID, "error", err)
		}
	}
}
