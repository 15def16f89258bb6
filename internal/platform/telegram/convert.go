package telegram

import (
	"strconv"
	"strings"

	"github.com/go-telegram/bot/models"
	"github.com/langbot-app/LangBot/pkg/message"
)

// Outgoing is the platform-native payload produced from a chain: plain
// text with mentions rendered inline, plus photo references sent as
// separate messages.
type Outgoing struct {
	Text   string
	Photos []string
}

// chainToOutgoing renders a canonical chain into Telegram form.
// Components Telegram cannot express are dropped; Forward containers
// expand into their nested text.
func chainToOutgoing(chain message.MessageChain) Outgoing {
	var out Outgoing
	var b strings.Builder

	for _, comp := range chain {
		switch v := comp.(type) {
		case message.Plain:
			b.WriteString(v.Text)
		case message.At:
			b.WriteString("@" + v.Target + " ")
		case message.AtAll:
			b.WriteString("@everyone ")
		case message.Image:
			switch {
			case v.URL != "":
				out.Photos = append(out.Photos, v.URL)
			case v.Base64 != "":
				out.Photos = append(out.Photos, v.Base64)
			case v.Path != "":
				out.Photos = append(out.Photos, v.Path)
			}
		case message.Forward:
			for _, node := range v.NodeList {
				nested := chainToOutgoing(node.MessageChain)
				if nested.Text != "" {
					b.WriteString(nested.Text)
					b.WriteString("\n")
				}
				out.Photos = append(out.Photos, nested.Photos...)
			}
		}
	}

	out.Text = strings.TrimRight(b.String(), " ")
	return out
}

// messageToChain converts an inbound Telegram message into a canonical
// chain. The Source component is always first; a mention of the bot
// becomes an At head component with the textual mention removed.
func messageToChain(msg *models.Message, botID int64, botUsername string) message.MessageChain {
	chain := message.NewChain(message.Source{ID: strconv.Itoa(msg.ID), Time: int64(msg.Date)})

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if botUsername != "" {
		mention := "@" + botUsername
		if strings.Contains(text, mention) {
			text = strings.Replace(text, mention, "", 1)
			chain = append(chain, message.At{Target: strconv.FormatInt(botID, 10)})
		}
	}
	if strings.Contains(text, "@everyone") {
		text = strings.Replace(text, "@everyone", "", 1)
		chain = append(chain, message.AtAll{})
	}

	if msg.ReplyToMessage != nil {
		chain = append(chain, quoteFromReply(msg.ReplyToMessage))
	}

	if trimmed := strings.TrimSpace(text); trimmed != "" {
		chain = append(chain, message.Plain{Text: trimmed})
	}

	// Telegram sends several sizes of the same photo; the last entry is
	// the largest.
	if len(msg.Photo) > 0 {
		chain = append(chain, message.Image{URL: msg.Photo[len(msg.Photo)-1].FileID})
	}
	if msg.Voice != nil {
		chain = append(chain, message.Voice{URL: msg.Voice.FileID, Length: msg.Voice.Duration})
	}

	return chain
}

func quoteFromReply(reply *models.Message) message.Quote {
	senderID := ""
	if reply.From != nil {
		senderID = strconv.FormatInt(reply.From.ID, 10)
	}
	var origin message.MessageChain
	if reply.Text != "" {
		origin = message.NewChain(message.Plain{Text: reply.Text})
	}
	return message.Quote{
		ID:       strconv.Itoa(reply.ID),
		SenderID: senderID,
		Origin:   origin,
	}
}
