package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/langbot-app/LangBot/pkg/message"
)

// chainToSend renders a canonical chain into a Discord message. Images
// ride as embeds; mentions use Discord's <@id> syntax.
func chainToSend(chain message.MessageChain) *discordgo.MessageSend {
	send := &discordgo.MessageSend{}
	var b strings.Builder

	for _, comp := range chain {
		switch v := comp.(type) {
		case message.Plain:
			b.WriteString(v.Text)
		case message.At:
			b.WriteString("<@" + v.Target + "> ")
		case message.AtAll:
			b.WriteString("@everyone ")
		case message.Image:
			if v.URL != "" {
				send.Embeds = append(send.Embeds, &discordgo.MessageEmbed{
					Image: &discordgo.MessageEmbedImage{URL: v.URL},
				})
			}
		case message.Forward:
			for _, node := range v.NodeList {
				nested := chainToSend(node.MessageChain)
				if nested.Content != "" {
					b.WriteString(nested.Content)
					b.WriteString("\n")
				}
				send.Embeds = append(send.Embeds, nested.Embeds...)
			}
		}
	}

	send.Content = strings.TrimRight(b.String(), " ")
	return send
}

// messageToChain converts an inbound Discord message into a canonical
// chain. A mention of the bot becomes an At head component with the
// <@id> token removed from the content.
func messageToChain(m *discordgo.MessageCreate, botID string) message.MessageChain {
	chain := message.NewChain(message.Source{ID: m.ID, Time: m.Timestamp.Unix()})

	content := m.Content

	if botID != "" && mentionsUser(m.Mentions, botID) {
		content = strings.Replace(content, "<@"+botID+">", "", 1)
		content = strings.Replace(content, "<@!"+botID+">", "", 1)
		chain = append(chain, message.At{Target: botID})
	}
	if m.MentionEveryone || strings.Contains(content, "@everyone") {
		content = strings.Replace(content, "@everyone", "", 1)
		chain = append(chain, message.AtAll{})
	}

	if m.ReferencedMessage != nil {
		chain = append(chain, quoteFromReference(m.ReferencedMessage))
	}

	if trimmed := strings.TrimSpace(content); trimmed != "" {
		chain = append(chain, message.Plain{Text: trimmed})
	}

	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		if strings.HasPrefix(att.ContentType, "image/") || att.ContentType == "" {
			chain = append(chain, message.Image{URL: att.URL})
		}
	}
	for _, embed := range m.Embeds {
		if embed != nil && embed.Image != nil && embed.Image.URL != "" {
			chain = append(chain, message.Image{URL: embed.Image.URL})
		}
	}

	return chain
}

func mentionsUser(mentions []*discordgo.User, id string) bool {
	for _, u := range mentions {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

func quoteFromReference(ref *discordgo.Message) message.Quote {
	senderID := ""
	if ref.Author != nil {
		senderID = ref.Author.ID
	}
	var origin message.MessageChain
	if ref.Content != "" {
		origin = message.NewChain(message.Plain{Text: ref.Content})
	}
	return message.Quote{ID: ref.ID, SenderID: senderID, Origin: origin}
}
