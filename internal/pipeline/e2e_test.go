package pipeline_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/pipeline/stages/process"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/internal/session"
	"github.com/langbot-app/LangBot/pkg/message"

	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/bansess"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/longtext"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/preproc"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/ratelimit"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/respback"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/resprule"
)

// echoRunner replies with the pre-processed user text, so the full
// stage chain can be exercised without a model binding.
type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, q *pipeline.Query) ([]provider.Message, error) {
	return []provider.Message{
		provider.TextMessage("assistant", q.VariableString(pipeline.VarUserMessageText)),
	}, nil
}

type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, q *pipeline.Query) ([]provider.Message, error) {
	return nil, errors.New("runner exploded")
}

func init() {
	process.RegisterRunner("echo", func(*pipeline.StageDeps) process.Runner { return echoRunner{} })
	process.RegisterRunner("failing", func(*pipeline.StageDeps) process.Runner { return failingRunner{} })
}

// captureAdapter records every reply the pipeline sends back.
type captureAdapter struct {
	chains []message.MessageChain
	quotes []bool
}

func (a *captureAdapter) RegisterListener(string, platform.EventListener) {}
func (a *captureAdapter) UnregisterListener(string)                      {}

func (a *captureAdapter) SendMessage(context.Context, string, string, message.MessageChain) error {
	return nil
}

func (a *captureAdapter) ReplyMessage(_ context.Context, _ message.Event, chain message.MessageChain, quote bool) error {
	a.chains = append(a.chains, chain)
	a.quotes = append(a.quotes, quote)
	return nil
}

func (a *captureAdapter) HandleUnifiedWebhook(context.Context, string, string, *http.Request) (*platform.WebhookResponse, error) {
	return nil, nil
}

func (a *captureAdapter) RunAsync(ctx context.Context) error { <-ctx.Done(); return nil }
func (a *captureAdapter) SetBotUUID(string)                  {}
func (a *captureAdapter) Kill(context.Context) error         { return nil }

func newTestManager(t *testing.T, cfg map[string]any) (*pipeline.Manager, *pipeline.StageDeps) {
	t.Helper()
	deps := &pipeline.StageDeps{
		Pool:     pipeline.NewPool(),
		Sessions: session.NewManager(),
		Models:   provider.NewModelManager(),
	}
	mgr := pipeline.NewManager(deps, 4, 8)
	entity := pipeline.PipelineEntity{UUID: "p1", Name: "e2e", Config: cfg}
	if err := mgr.LoadPipeline(context.Background(), entity); err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	return mgr, deps
}

func personQuery(deps *pipeline.StageDeps, adapter platform.Adapter, cfg map[string]any, text string) *pipeline.Query {
	event := &message.FriendMessage{
		Sender:       message.Friend{ID: "42", Nickname: "Ada"},
		MessageChain: message.NewChain(message.Plain{Text: text}),
		Time:         1700000000,
	}
	q := &pipeline.Query{
		QueryID:        deps.Pool.NextID(),
		LauncherType:   session.LauncherPerson,
		LauncherID:     "42",
		SenderID:       "42",
		Adapter:        adapter,
		MessageEvent:   event,
		MessageChain:   event.MessageChain,
		PipelineUUID:   "p1",
		PipelineConfig: cfg,
	}
	deps.Pool.Add(q)
	return q
}

func groupQuery(deps *pipeline.StageDeps, adapter platform.Adapter, cfg map[string]any, chain message.MessageChain) *pipeline.Query {
	event := &message.GroupMessage{
		Sender:       message.GroupMember{ID: "42", Nickname: "Ada", Group: message.Group{ID: "99"}},
		MessageChain: chain,
		Time:         1700000000,
	}
	q := &pipeline.Query{
		QueryID:        deps.Pool.NextID(),
		LauncherType:   session.LauncherGroup,
		LauncherID:     "99",
		SenderID:       "42",
		Adapter:        adapter,
		MessageEvent:   event,
		MessageChain:   chain,
		PipelineUUID:   "p1",
		PipelineConfig: cfg,
	}
	deps.Pool.Add(q)
	return q
}

func echoConfig(extra map[string]any) map[string]any {
	cfg := map[string]any{
		"ai": map[string]any{"runner": map[string]any{"runner": "echo"}},
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return cfg
}

func TestWhitelistedPersonEcho(t *testing.T) {
	cfg := echoConfig(map[string]any{
		"trigger": map[string]any{
			"access-control": map[string]any{
				"mode":      "whitelist",
				"whitelist": []any{"person_42"},
			},
		},
	})
	mgr, deps := newTestManager(t, cfg)
	adapter := &captureAdapter{}
	q := personQuery(deps, adapter, cfg, "hello")

	if err := mgr.Execute(context.Background(), q); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(adapter.chains) != 1 || adapter.chains[0].PlainText() != "hello" {
		t.Fatalf("replies = %+v", adapter.chains)
	}
	if got := q.VariableString(pipeline.VarSenderID); got != "42" {
		t.Fatalf("sender_id = %q", got)
	}
	if got := q.VariableString(pipeline.VarUserMessageText); got != "hello" {
		t.Fatalf("user_message_text = %q", got)
	}
	if got := q.VariableString(pipeline.VarSessionID); got != "person_42" {
		t.Fatalf("session_id = %q", got)
	}
	if deps.Pool.Len() != 0 {
		t.Fatal("query not removed from pool")
	}
}

func TestNonWhitelistedSessionDropped(t *testing.T) {
	cfg := echoConfig(map[string]any{
		"trigger": map[string]any{
			"access-control": map[string]any{
				"mode":      "whitelist",
				"whitelist": []any{"person_1"},
			},
		},
	})
	mgr, deps := newTestManager(t, cfg)
	adapter := &captureAdapter{}
	q := personQuery(deps, adapter, cfg, "hello")

	if err := mgr.Execute(context.Background(), q); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(adapter.chains) != 0 {
		t.Fatalf("replies = %+v", adapter.chains)
	}
}

func TestGroupWithoutMentionDroppedSilently(t *testing.T) {
	cfg := echoConfig(map[string]any{
		"trigger": map[string]any{
			"group-respond-rules": map[string]any{"atbot": true},
		},
	})
	mgr, deps := newTestManager(t, cfg)
	adapter := &captureAdapter{}
	q := groupQuery(deps, adapter, cfg, message.NewChain(message.Plain{Text: "chatter"}))

	if err := mgr.Execute(context.Background(), q); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(adapter.chains) != 0 {
		t.Fatalf("replies = %+v", adapter.chains)
	}
}

func TestGroupMentionEchoesStrippedText(t *testing.T) {
	cfg := echoConfig(map[string]any{
		"trigger": map[string]any{
			"group-respond-rules": map[string]any{"atbot": true},
		},
	})
	mgr, deps := newTestManager(t, cfg)
	adapter := &captureAdapter{}
	chain := message.NewChain(message.At{Target: "bot"}, message.Plain{Text: "what time is it"})
	q := groupQuery(deps, adapter, cfg, chain)

	if err := mgr.Execute(context.Background(), q); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(adapter.chains) != 1 || adapter.chains[0].PlainText() != "what time is it" {
		t.Fatalf("replies = %+v", adapter.chains)
	}
}

func TestRateLimitSecondRequestDenied(t *testing.T) {
	cfg := echoConfig(map[string]any{
		"safety": map[string]any{
			"rate-limit": map[string]any{
				"window-length":     60,
				"record-per-window": 1,
			},
		},
	})
	mgr, deps := newTestManager(t, cfg)
	adapter := &captureAdapter{}

	if err := mgr.Execute(context.Background(), personQuery(deps, adapter, cfg, "first")); err != nil {
		t.Fatalf("Execute first: %v", err)
	}
	if err := mgr.Execute(context.Background(), personQuery(deps, adapter, cfg, "second")); err != nil {
		t.Fatalf("Execute second: %v", err)
	}

	if len(adapter.chains) != 2 {
		t.Fatalf("replies = %+v", adapter.chains)
	}
	if adapter.chains[0].PlainText() != "first" {
		t.Fatalf("first reply = %q", adapter.chains[0].PlainText())
	}
	if got := adapter.chains[1].PlainText(); got != "请求数超过限速器设定值,已丢弃本消息。" {
		t.Fatalf("deny notice = %q", got)
	}
}

func TestRunnerErrorSurfacedToUser(t *testing.T) {
	cfg := map[string]any{
		"ai": map[string]any{"runner": map[string]any{"runner": "failing"}},
	}
	mgr, deps := newTestManager(t, cfg)
	adapter := &captureAdapter{}
	q := personQuery(deps, adapter, cfg, "boom")

	err := mgr.Execute(context.Background(), q)
	if err == nil {
		t.Fatal("expected runner error")
	}
	if len(adapter.chains) != 1 {
		t.Fatalf("replies = %+v", adapter.chains)
	}
	if got := adapter.chains[0].PlainText(); !strings.Contains(got, "处理失败") || !strings.Contains(got, "runner exploded") {
		t.Fatalf("error notice = %q", got)
	}
}

func TestRunnerErrorHiddenWhenConfigured(t *testing.T) {
	cfg := map[string]any{
		"ai":     map[string]any{"runner": map[string]any{"runner": "failing"}},
		"output": map[string]any{"misc": map[string]any{"hide-exception": true}},
	}
	mgr, deps := newTestManager(t, cfg)
	adapter := &captureAdapter{}
	q := personQuery(deps, adapter, cfg, "boom")

	if err := mgr.Execute(context.Background(), q); err == nil {
		t.Fatal("expected runner error")
	}
	if len(adapter.chains) != 0 {
		t.Fatalf("replies = %+v", adapter.chains)
	}
}

func TestInterruptedQuerySkipsPipeline(t *testing.T) {
	cfg := echoConfig(nil)
	mgr, deps := newTestManager(t, cfg)
	adapter := &captureAdapter{}
	q := personQuery(deps, adapter, cfg, "hello")

	deps.Pool.Interrupt(q.QueryID)
	if err := mgr.Execute(context.Background(), q); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(adapter.chains) != 0 {
		t.Fatalf("replies = %+v", adapter.chains)
	}
	if deps.Pool.Interrupted(q.QueryID) {
		t.Fatal("interrupt flag not cleared on removal")
	}
}

func TestConversationCarriesAcrossQueries(t *testing.T) {
	cfg := echoConfig(nil)
	mgr, deps := newTestManager(t, cfg)
	adapter := &captureAdapter{}

	if err := mgr.Execute(context.Background(), personQuery(deps, adapter, cfg, "one")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := mgr.Execute(context.Background(), personQuery(deps, adapter, cfg, "two")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sess := deps.Sessions.Get(context.Background(), session.LauncherPerson, "42")
	sess.Lock()
	defer sess.Unlock()
	conv := sess.Conversation()
	if len(conv.Messages) != 4 {
		t.Fatalf("conversation = %+v", conv.Messages)
	}
	if conv.Messages[2].Content != "two" || conv.Messages[3].Role != "assistant" {
		t.Fatalf("conversation = %+v", conv.Messages)
	}
}
