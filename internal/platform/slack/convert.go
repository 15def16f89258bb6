package slack

import (
	"strings"

	"github.com/langbot-app/LangBot/pkg/message"
	"github.com/slack-go/slack/slackevents"
)

// chainToOutgoing renders a canonical chain into Slack form: mrkdwn
// text with <@id> mentions, plus image URLs attached separately.
func chainToOutgoing(chain message.MessageChain) (string, []string) {
	var b strings.Builder
	var images []string

	for _, comp := range chain {
		switch v := comp.(type) {
		case message.Plain:
			b.WriteString(v.Text)
		case message.At:
			b.WriteString("<@" + v.Target + "> ")
		case message.AtAll:
			b.WriteString("<!everyone> ")
		case message.Image:
			if v.URL != "" {
				images = append(images, v.URL)
			}
		case message.Forward:
			for _, node := range v.NodeList {
				nested, nestedImages := chainToOutgoing(node.MessageChain)
				if nested != "" {
					b.WriteString(nested)
					b.WriteString("\n")
				}
				images = append(images, nestedImages...)
			}
		}
	}

	return strings.TrimRight(b.String(), " "), images
}

// eventToChain converts an inbound message event into a canonical
// chain. A mention of the bot becomes an At head component with the
// <@id> token removed.
func eventToChain(ev *slackevents.MessageEvent, botUserID string) message.MessageChain {
	chain := message.NewChain(message.Source{
		ID:   ev.Channel + ":" + ev.TimeStamp,
		Time: slackTimestamp(ev.TimeStamp),
	})

	text := ev.Text

	if botUserID != "" {
		mention := "<@" + botUserID + ">"
		if strings.Contains(text, mention) {
			text = strings.Replace(text, mention, "", 1)
			chain = append(chain, message.At{Target: botUserID})
		}
	}
	for _, token := range []string{"<!everyone>", "<!channel>", "<!here>"} {
		if strings.Contains(text, token) {
			text = strings.Replace(text, token, "", 1)
			chain = append(chain, message.AtAll{})
			break
		}
	}

	if trimmed := strings.TrimSpace(text); trimmed != "" {
		chain = append(chain, message.Plain{Text: trimmed})
	}

	// Edited and file_share payloads nest the file list under Message.
	if ev.Message != nil {
		for _, file := range ev.Message.Files {
			if !strings.HasPrefix(file.Mimetype, "image/") {
				continue
			}
			url := file.URLPrivateDownload
			if url == "" {
				url = file.URLPrivate
			}
			chain = append(chain, message.Image{URL: url})
		}
	}

	return chain
}
