package respback

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/internal/session"
	"github.com/langbot-app/LangBot/pkg/message"
)

type recordingAdapter struct {
	chains []message.MessageChain
	quotes []bool
	fail   bool
}

func (a *recordingAdapter) RegisterListener(string, platform.EventListener) {}
func (a *recordingAdapter) UnregisterListener(string)                      {}

func (a *recordingAdapter) SendMessage(context.Context, string, string, message.MessageChain) error {
	return nil
}

func (a *recordingAdapter) ReplyMessage(_ context.Context, _ message.Event, chain message.MessageChain, quote bool) error {
	a.chains = append(a.chains, chain)
	a.quotes = append(a.quotes, quote)
	if a.fail {
		return errors.New("platform down")
	}
	return nil
}

func (a *recordingAdapter) HandleUnifiedWebhook(context.Context, string, string, *http.Request) (*platform.WebhookResponse, error) {
	return nil, nil
}

func (a *recordingAdapter) RunAsync(ctx context.Context) error { <-ctx.Done(); return nil }
func (a *recordingAdapter) SetBotUUID(string)                  {}
func (a *recordingAdapter) Kill(context.Context) error         { return nil }

func newQuery(adapter platform.Adapter, cfg map[string]any, chains ...message.MessageChain) *pipeline.Query {
	return &pipeline.Query{
		LauncherType:      session.LauncherGroup,
		LauncherID:        "99",
		SenderID:          "42",
		Adapter:           adapter,
		PipelineConfig:    cfg,
		RespMessageChains: chains,
	}
}

func TestBasicSend(t *testing.T) {
	adapter := &recordingAdapter{}
	stage := &SendResponseBackStage{Sleep: func(time.Duration) {}}
	q := newQuery(adapter, map[string]any{}, message.NewChain(message.Plain{Text: "reply"}))

	if got := stage.Process(context.Background(), q, "SendResponseBackStage"); got.ResultType != pipeline.Continue {
		t.Fatalf("got %v", got.ResultType)
	}
	if len(adapter.chains) != 1 || adapter.chains[0].PlainText() != "reply" {
		t.Fatalf("chains = %+v", adapter.chains)
	}
	if adapter.quotes[0] {
		t.Fatal("quote_origin should default to false")
	}
}

func TestQuoteOrigin(t *testing.T) {
	adapter := &recordingAdapter{}
	stage := &SendResponseBackStage{Sleep: func(time.Duration) {}}
	cfg := map[string]any{"output": map[string]any{"misc": map[string]any{"quote-origin": true}}}
	q := newQuery(adapter, cfg, message.NewChain(message.Plain{Text: "reply"}))

	stage.Process(context.Background(), q, "SendResponseBackStage")
	if !adapter.quotes[0] {
		t.Fatal("quote_origin not honored")
	}
}

func TestAtSenderPrepended(t *testing.T) {
	adapter := &recordingAdapter{}
	stage := &SendResponseBackStage{Sleep: func(time.Duration) {}}
	cfg := map[string]any{"output": map[string]any{"misc": map[string]any{"at-sender": true}}}
	q := newQuery(adapter, cfg, message.NewChain(message.Plain{Text: "reply"}))

	stage.Process(context.Background(), q, "SendResponseBackStage")
	chain := adapter.chains[0]
	at, ok := chain[0].(message.At)
	if !ok || at.Target != "42" {
		t.Fatalf("first component = %#v", chain[0])
	}
}

func TestAtSenderSkippedForPerson(t *testing.T) {
	adapter := &recordingAdapter{}
	stage := &SendResponseBackStage{Sleep: func(time.Duration) {}}
	cfg := map[string]any{"output": map[string]any{"misc": map[string]any{"at-sender": true}}}
	q := newQuery(adapter, cfg, message.NewChain(message.Plain{Text: "reply"}))
	q.LauncherType = session.LauncherPerson

	stage.Process(context.Background(), q, "SendResponseBackStage")
	if adapter.chains[0].Has("At") {
		t.Fatal("at-sender applied to a person session")
	}
}

func TestForceDelayBounds(t *testing.T) {
	adapter := &recordingAdapter{}
	var slept []time.Duration
	stage := &SendResponseBackStage{Sleep: func(d time.Duration) { slept = append(slept, d) }}
	cfg := map[string]any{"output": map[string]any{"force-delay": map[string]any{"min": 0.5, "max": 1.5}}}
	q := newQuery(adapter, cfg,
		message.NewChain(message.Plain{Text: "one"}),
		message.NewChain(message.Plain{Text: "two"}),
	)

	stage.Process(context.Background(), q, "SendResponseBackStage")
	if len(slept) != 2 {
		t.Fatalf("sleeps = %d", len(slept))
	}
	for _, d := range slept {
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("delay %v outside [0.5s, 1.5s]", d)
		}
	}
}

func TestDeliveryFailureDoesNotStopFrames(t *testing.T) {
	adapter := &recordingAdapter{fail: true}
	stage := &SendResponseBackStage{Sleep: func(time.Duration) {}}
	q := newQuery(adapter, map[string]any{},
		message.NewChain(message.Plain{Text: "one"}),
		message.NewChain(message.Plain{Text: "two"}),
	)

	if got := stage.Process(context.Background(), q, "SendResponseBackStage"); got.ResultType != pipeline.Continue {
		t.Fatalf("got %v", got.ResultType)
	}
	if len(adapter.chains) != 2 {
		t.Fatalf("frames sent = %d", len(adapter.chains))
	}
}
