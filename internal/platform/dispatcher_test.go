package platform

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/langbot-app/LangBot/pkg/message"
)

type stubAdapter struct {
	botUUID   string
	listeners map[string]EventListener
	webhook   func(ctx context.Context, botUUID, path string, r *http.Request) (*WebhookResponse, error)
	killed    bool
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{listeners: map[string]EventListener{}}
}

func (a *stubAdapter) RegisterListener(eventType string, fn EventListener) {
	a.listeners[eventType] = fn
}

func (a *stubAdapter) UnregisterListener(eventType string) { delete(a.listeners, eventType) }

func (a *stubAdapter) SendMessage(context.Context, string, string, message.MessageChain) error {
	return nil
}

func (a *stubAdapter) ReplyMessage(context.Context, message.Event, message.MessageChain, bool) error {
	return nil
}

func (a *stubAdapter) HandleUnifiedWebhook(ctx context.Context, botUUID, path string, r *http.Request) (*WebhookResponse, error) {
	if a.webhook == nil {
		return nil, ErrWebhookUnsupported
	}
	return a.webhook(ctx, botUUID, path, r)
}

func (a *stubAdapter) RunAsync(ctx context.Context) error { <-ctx.Done(); return nil }
func (a *stubAdapter) SetBotUUID(uuid string)             { a.botUUID = uuid }
func (a *stubAdapter) Kill(context.Context) error         { a.killed = true; return nil }

func newDispatcher(t *testing.T, bots ...*RuntimeBot) (*Dispatcher, *BotManager) {
	t.Helper()
	mgr := NewBotManager(nil)
	listener := func(context.Context, message.Event, Adapter) error { return nil }
	for _, b := range bots {
		if err := mgr.LoadBot(b, listener); err != nil {
			t.Fatalf("LoadBot: %v", err)
		}
	}
	return &Dispatcher{Bots: mgr}, mgr
}

func TestDispatchDelegates(t *testing.T) {
	adapter := newStubAdapter()
	var gotUUID, gotPath string
	adapter.webhook = func(_ context.Context, botUUID, path string, _ *http.Request) (*WebhookResponse, error) {
		gotUUID, gotPath = botUUID, path
		return JSONResponse([]byte(`{"ok":true}`)), nil
	}
	d, _ := newDispatcher(t, &RuntimeBot{UUID: "b1", Enable: true, Adapter: adapter})

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bots/b1/callback", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("code = %d, body = %q", rec.Code, rec.Body.String())
	}
	if gotUUID != "b1" || gotPath != "callback" {
		t.Fatalf("delegated with %q %q", gotUUID, gotPath)
	}
}

func TestDispatchUnknownBot(t *testing.T) {
	d, _ := newDispatcher(t)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bots/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestDispatchDisabledBot(t *testing.T) {
	d, _ := newDispatcher(t, &RuntimeBot{UUID: "b1", Enable: false, Adapter: newStubAdapter()})
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bots/b1", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestDispatchWebhookUnsupported(t *testing.T) {
	d, _ := newDispatcher(t, &RuntimeBot{UUID: "b1", Enable: true, Adapter: newStubAdapter()})
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bots/b1", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestDispatchAdapterPanic(t *testing.T) {
	adapter := newStubAdapter()
	adapter.webhook = func(context.Context, string, string, *http.Request) (*WebhookResponse, error) {
		panic("boom")
	}
	d, _ := newDispatcher(t, &RuntimeBot{UUID: "b1", Enable: true, Adapter: adapter})
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bots/b1", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestDispatchSaturated(t *testing.T) {
	d, _ := newDispatcher(t, &RuntimeBot{UUID: "b1", Enable: true, Adapter: newStubAdapter()})
	d.Saturated = func() bool { return true }
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bots/b1", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestSplitBotPath(t *testing.T) {
	cases := []struct {
		in, uuid, rest string
	}{
		{"/bots/b1", "b1", ""},
		{"/bots/b1/cb", "b1", "cb"},
		{"/bots/b1/cb/deep", "b1", "cb/deep"},
		{"/other/b1", "", ""},
	}
	for _, c := range cases {
		uuid, rest := splitBotPath(c.in)
		if uuid != c.uuid || rest != c.rest {
			t.Errorf("splitBotPath(%q) = %q, %q", c.in, uuid, rest)
		}
	}
}

func TestLoadBotInstallsListeners(t *testing.T) {
	adapter := newStubAdapter()
	_, mgr := newDispatcher(t, &RuntimeBot{UUID: "b1", Enable: true, Adapter: adapter})

	if adapter.botUUID != "b1" {
		t.Fatalf("bot uuid = %q", adapter.botUUID)
	}
	if adapter.listeners["FriendMessage"] == nil || adapter.listeners["GroupMessage"] == nil {
		t.Fatal("listeners not installed")
	}

	if err := mgr.RemoveBot(context.Background(), "b1"); err != nil {
		t.Fatalf("RemoveBot: %v", err)
	}
	if !adapter.killed || len(adapter.listeners) != 0 {
		t.Fatalf("killed = %v, listeners = %d", adapter.killed, len(adapter.listeners))
	}
}

func TestSignChallenge(t *testing.T) {
	resp, err := SignChallenge("secret", "1700000000", "tok123")
	if err != nil {
		t.Fatalf("SignChallenge: %v", err)
	}
	if resp.PlainToken != "tok123" {
		t.Fatalf("plain_token = %q", resp.PlainToken)
	}

	// Rebuild the public key the same way and verify the signature.
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = "secret"[i%len("secret")]
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	sig, err := hex.DecodeString(resp.Signature)
	if err != nil {
		t.Fatalf("signature not hex: %v", err)
	}
	if !ed25519.Verify(pub, []byte("1700000000tok123"), sig) {
		t.Fatal("signature does not verify")
	}
}

func TestSignChallengeEmptySecret(t *testing.T) {
	if _, err := SignChallenge("", "ts", "tok"); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
