package webchat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/pkg/message"
)

func echoListener(reply string) platform.EventListener {
	return func(ctx context.Context, event message.Event, adapter platform.Adapter) error {
		return adapter.ReplyMessage(ctx, event, message.NewChain(message.Plain{Text: reply}), false)
	}
}

func TestSyncReply(t *testing.T) {
	a := NewAdapter(nil)
	var selected string
	a.SelectPipeline = func(uuid string) { selected = uuid }
	a.RegisterListener("FriendMessage", echoListener("hi back"))

	reply, err := a.SendDebugMessage(context.Background(), "p1", SessionPerson,
		message.NewChain(message.Plain{Text: "hi"}))
	if err != nil {
		t.Fatalf("SendDebugMessage: %v", err)
	}
	if reply.Content != "hi back" {
		t.Fatalf("reply content = %q", reply.Content)
	}
	if selected != "p1" {
		t.Fatalf("pipeline selected = %q", selected)
	}

	history, err := a.History(SessionPerson)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("history roles = %q %q", history[0].Role, history[1].Role)
	}
	// The reply carries the id allocated at ingress.
	if reply.ID != history[0].ID {
		t.Fatalf("reply id = %q, ingress id = %q", reply.ID, history[0].ID)
	}
	if a.PendingWaiters() != 0 {
		t.Fatal("waiter leaked")
	}
}

func TestGroupSessionUsesGroupEvent(t *testing.T) {
	a := NewAdapter(nil)
	var gotType string
	a.RegisterListener("GroupMessage", func(ctx context.Context, event message.Event, adapter platform.Adapter) error {
		gotType = event.EventType()
		return adapter.ReplyMessage(ctx, event, message.NewChain(message.Plain{Text: "ok"}), false)
	})

	if _, err := a.SendDebugMessage(context.Background(), "p1", SessionGroup,
		message.NewChain(message.Plain{Text: "hello"})); err != nil {
		t.Fatalf("SendDebugMessage: %v", err)
	}
	if gotType != "GroupMessage" {
		t.Fatalf("event type = %q", gotType)
	}

	history, _ := a.History(SessionGroup)
	if len(history) != 2 {
		t.Fatalf("group history = %+v", history)
	}
	if personHistory, _ := a.History(SessionPerson); len(personHistory) != 0 {
		t.Fatal("person history polluted by group session")
	}
}

func TestListenerErrorResolvesWaiter(t *testing.T) {
	a := NewAdapter(nil)
	a.RegisterListener("FriendMessage", func(context.Context, message.Event, platform.Adapter) error {
		return errors.New("pipeline refused")
	})

	_, err := a.SendDebugMessage(context.Background(), "p1", SessionPerson,
		message.NewChain(message.Plain{Text: "hi"}))
	if err == nil || err.Error() != "pipeline refused" {
		t.Fatalf("err = %v", err)
	}
	if a.PendingWaiters() != 0 {
		t.Fatal("waiter leaked after error")
	}
}

func TestContextExpiryDropsWaiter(t *testing.T) {
	a := NewAdapter(nil)
	a.RegisterListener("FriendMessage", func(context.Context, message.Event, platform.Adapter) error {
		// Never replies.
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.SendDebugMessage(ctx, "p1", SessionPerson,
		message.NewChain(message.Plain{Text: "hi"}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if a.PendingWaiters() != 0 {
		t.Fatal("waiter leaked after timeout")
	}
}

func TestSourcePrependedToUserChain(t *testing.T) {
	a := NewAdapter(nil)
	var captured message.MessageChain
	a.RegisterListener("FriendMessage", func(ctx context.Context, event message.Event, adapter platform.Adapter) error {
		captured = event.Chain()
		return adapter.ReplyMessage(ctx, event, message.NewChain(message.Plain{Text: "ok"}), false)
	})

	if _, err := a.SendDebugMessage(context.Background(), "p1", SessionPerson,
		message.NewChain(message.Plain{Text: "hi"})); err != nil {
		t.Fatalf("SendDebugMessage: %v", err)
	}
	src, ok := captured[0].(message.Source)
	if !ok || src.ID == "" {
		t.Fatalf("chain head = %#v", captured[0])
	}
}

func TestReset(t *testing.T) {
	a := NewAdapter(nil)
	a.RegisterListener("FriendMessage", echoListener("ok"))
	if _, err := a.SendDebugMessage(context.Background(), "p1", SessionPerson,
		message.NewChain(message.Plain{Text: "hi"})); err != nil {
		t.Fatalf("SendDebugMessage: %v", err)
	}

	if err := a.Reset(SessionPerson); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	history, _ := a.History(SessionPerson)
	if len(history) != 0 {
		t.Fatalf("history after reset = %+v", history)
	}
}

func TestInvalidSessionType(t *testing.T) {
	a := NewAdapter(nil)
	if _, err := a.SendDebugMessage(context.Background(), "p1", "channel", nil); err == nil {
		t.Fatal("expected invalid session type error")
	}
	if _, err := a.History("channel"); err == nil {
		t.Fatal("expected invalid session type error")
	}
}

func TestKillFailsPendingSends(t *testing.T) {
	a := NewAdapter(nil)
	a.RegisterListener("FriendMessage", func(context.Context, message.Event, platform.Adapter) error {
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := a.SendDebugMessage(context.Background(), "p1", SessionPerson,
			message.NewChain(message.Plain{Text: "hi"}))
		done <- err
	}()

	// Wait for the waiter to be registered.
	deadline := time.Now().Add(2 * time.Second)
	for a.PendingWaiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Kill(context.Background()); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := <-done; err == nil {
		t.Fatal("pending send not failed by Kill")
	}
}
