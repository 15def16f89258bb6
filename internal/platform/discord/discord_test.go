package discord

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/pkg/message"
)

type fakeSession struct {
	sent     []*discordgo.MessageSend
	channels []string
}

func (f *fakeSession) Open() error  { return nil }
func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) AddHandler(interface{}) func() { return func() {} }

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channels = append(f.channels, channelID)
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "sent-1"}, nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeSession) {
	t.Helper()
	a, err := NewAdapter(Config{Token: "test-token"})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	session := &fakeSession{}
	a.session = session
	a.botID = "99"
	return a, session
}

func inbound(msg *discordgo.Message) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: msg}
}

func TestConverterRoundTrip(t *testing.T) {
	original := message.NewChain(
		message.At{Target: "99"},
		message.AtAll{},
		message.Plain{Text: "hi"},
		message.Image{URL: "https://cdn.example/pic.png"},
	)

	send := chainToSend(original)
	native := inbound(&discordgo.Message{
		ID:              "5",
		Timestamp:       time.Unix(1700000000, 0),
		Content:         send.Content,
		Mentions:        []*discordgo.User{{ID: "99"}},
		MentionEveryone: true,
		Embeds:          send.Embeds,
	})

	got := messageToChain(native, "99")
	if _, ok := got[0].(message.Source); !ok {
		t.Fatalf("chain head = %#v", got[0])
	}
	if !reflect.DeepEqual(got[1:], original) {
		t.Fatalf("roundtrip = %#v, want %#v", got[1:], original)
	}
}

func TestAttachmentBecomesImage(t *testing.T) {
	native := inbound(&discordgo.Message{
		ID:        "6",
		Timestamp: time.Unix(1700000000, 0),
		Content:   "see this",
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.example/shot.png", ContentType: "image/png"},
			{URL: "https://cdn.example/notes.pdf", ContentType: "application/pdf"},
		},
	})

	chain := messageToChain(native, "99")
	images := 0
	for _, comp := range chain {
		if _, ok := comp.(message.Image); ok {
			images++
		}
	}
	if images != 1 {
		t.Fatalf("images = %d, chain = %#v", images, chain)
	}
}

func TestQuoteReconstruction(t *testing.T) {
	native := inbound(&discordgo.Message{
		ID:        "7",
		Timestamp: time.Unix(1700000000, 0),
		Content:   "agreed",
		ReferencedMessage: &discordgo.Message{
			ID:      "3",
			Content: "shall we?",
			Author:  &discordgo.User{ID: "12"},
		},
	})

	chain := messageToChain(native, "99")
	quote, ok := chain[1].(message.Quote)
	if !ok {
		t.Fatalf("chain = %#v", chain)
	}
	if quote.ID != "3" || quote.SenderID != "12" || quote.Origin.PlainText() != "shall we?" {
		t.Fatalf("quote = %+v", quote)
	}
}

func TestSelfMessageDropped(t *testing.T) {
	a, _ := newTestAdapter(t)
	called := false
	a.RegisterListener("FriendMessage", func(context.Context, message.Event, platform.Adapter) error {
		called = true
		return nil
	})

	a.handleMessageCreate(nil, inbound(&discordgo.Message{
		ID:     "1",
		Author: &discordgo.User{ID: "99"},
	}))

	if called {
		t.Fatal("self message dispatched")
	}
}

func TestDirectAndGuildDispatch(t *testing.T) {
	a, _ := newTestAdapter(t)
	var types []string
	listener := func(_ context.Context, event message.Event, _ platform.Adapter) error {
		types = append(types, event.EventType())
		return nil
	}
	a.RegisterListener("FriendMessage", listener)
	a.RegisterListener("GroupMessage", listener)

	a.handleMessageCreate(nil, inbound(&discordgo.Message{
		ID:      "1",
		Author:  &discordgo.User{ID: "12", Username: "ada"},
		Content: "dm",
	}))
	a.handleMessageCreate(nil, inbound(&discordgo.Message{
		ID:        "2",
		Author:    &discordgo.User{ID: "12", Username: "ada"},
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   "channel",
	}))

	want := []string{"FriendMessage", "GroupMessage"}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("dispatched = %v", types)
	}
}

func TestReplyMessageQuotesOrigin(t *testing.T) {
	a, session := newTestAdapter(t)
	source := &message.GroupMessage{
		Sender: message.GroupMember{ID: "12", Group: message.Group{ID: "c1"}},
		SourcePlatformObject: inbound(&discordgo.Message{
			ID:        "42",
			ChannelID: "c1",
		}),
	}

	err := a.ReplyMessage(context.Background(), source, message.NewChain(message.Plain{Text: "yes"}), true)
	if err != nil {
		t.Fatalf("ReplyMessage: %v", err)
	}
	if len(session.sent) != 1 || session.channels[0] != "c1" {
		t.Fatalf("sent = %+v", session.sent)
	}
	send := session.sent[0]
	if send.Content != "yes" {
		t.Fatalf("content = %q", send.Content)
	}
	if send.Reference == nil || send.Reference.MessageID != "42" {
		t.Fatalf("reference = %+v", send.Reference)
	}
}
