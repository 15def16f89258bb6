// Package message defines the canonical message model shared by all
// platform adapters, the pipeline, and the plugin RPC boundary.
//
// A MessageChain is an ordered sequence of typed components. Platform
// adapters convert their native payloads into chains on the way in and
// back out on the way out; nothing platform-specific crosses the
// converter boundary.
package message

import (
	"fmt"
	"strings"
	"time"
)

// Component is one element of a MessageChain.
type Component interface {
	// Type returns the wire discriminator for this component ("Plain",
	// "At", "Image", ...).
	Type() string
}

// Plain is a text segment.
type Plain struct {
	Text string `json:"text"`
}

func (Plain) Type() string { return "Plain" }

// At mentions a single member. Target is the platform account id.
type At struct {
	Target string `json:"target"`
}

func (At) Type() string { return "At" }

// AtAll mentions everyone in a group.
type AtAll struct{}

func (AtAll) Type() string { return "AtAll" }

// Image carries picture content. Exactly one of URL, Base64 or Path is
// normally set; adapters that fetch bytes fill Base64.
type Image struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
	Path   string `json:"path,omitempty"`
}

func (Image) Type() string { return "Image" }

// Voice is an audio clip.
type Voice struct {
	URL    string `json:"url,omitempty"`
	Length int    `json:"length,omitempty"` // seconds
}

func (Voice) Type() string { return "Voice" }

// Quote references an earlier message. Origin holds the quoted chain
// when the adapter could reconstruct it.
type Quote struct {
	ID       string       `json:"id,omitempty"`
	SenderID string       `json:"sender_id,omitempty"`
	Origin   MessageChain `json:"origin,omitempty"`
}

func (Quote) Type() string { return "Quote" }

// Source identifies the message itself. When present it is the first
// element of the chain.
type Source struct {
	ID   string `json:"id"`
	Time int64  `json:"time"` // unix seconds
}

func (Source) Type() string { return "Source" }

// ForwardNode is a single entry inside a Forward container.
type ForwardNode struct {
	SenderID     string       `json:"sender_id,omitempty"`
	SenderName   string       `json:"sender_name,omitempty"`
	Time         int64        `json:"time,omitempty"`
	MessageChain MessageChain `json:"message_chain,omitempty"`
}

// Forward is a forwarded-message container holding nested chains.
type Forward struct {
	NodeList []ForwardNode `json:"node_list"`
}

func (Forward) Type() string { return "Forward" }

// Unknown wraps a platform message subtype the converter does not
// interpret. Raw is the original payload; it survives the pipeline
// untouched.
type Unknown struct {
	Raw              any    `json:"raw,omitempty"`
	Text             string `json:"text,omitempty"`
	SenderIDInPrefix string `json:"sender_id_in_prefix,omitempty"`
}

func (Unknown) Type() string { return "Unknown" }

// MessageChain is an ordered list of components. Chains handed to the
// pipeline are treated as immutable; stages build new chains instead of
// mutating in place.
type MessageChain []Component

// NewChain builds a chain from components.
func NewChain(components ...Component) MessageChain {
	return MessageChain(components)
}

// PlainText concatenates the text of all Plain components.
func (c MessageChain) PlainText() string {
	var b strings.Builder
	for _, comp := range c {
		if p, ok := comp.(Plain); ok {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// String renders the chain as display text. Non-text components render
// as short placeholders.
func (c MessageChain) String() string {
	var b strings.Builder
	for _, comp := range c {
		switch v := comp.(type) {
		case Plain:
			b.WriteString(v.Text)
		case At:
			fmt.Fprintf(&b, "@%s", v.Target)
		case AtAll:
			b.WriteString("@全体成员")
		case Image:
			b.WriteString("[图片]")
		case Voice:
			b.WriteString("[语音]")
		case Forward:
			b.WriteString("[合并转发]")
		case Unknown:
			if v.Text != "" {
				b.WriteString(v.Text)
			}
		}
	}
	return b.String()
}

// Source returns the Source component, or nil if the chain has none.
func (c MessageChain) Source() *Source {
	for _, comp := range c {
		if s, ok := comp.(Source); ok {
			return &s
		}
	}
	return nil
}

// MessageID returns the id of the Source component, or empty.
func (c MessageChain) MessageID() string {
	if s := c.Source(); s != nil {
		return s.ID
	}
	return ""
}

// Has reports whether the chain contains a component of the given type.
func (c MessageChain) Has(componentType string) bool {
	for _, comp := range c {
		if comp.Type() == componentType {
			return true
		}
	}
	return false
}

// WithSource returns a copy of the chain with a Source prepended. An
// existing Source is replaced.
func (c MessageChain) WithSource(id string, t time.Time) MessageChain {
	out := make(MessageChain, 0, len(c)+1)
	out = append(out, Source{ID: id, Time: t.Unix()})
	for _, comp := range c {
		if _, ok := comp.(Source); ok {
			continue
		}
		out = append(out, comp)
	}
	return out
}

// Prepend returns a copy of the chain with extra components in front,
// after any Source component.
func (c MessageChain) Prepend(components ...Component) MessageChain {
	out := make(MessageChain, 0, len(c)+len(components))
	rest := c
	if len(c) > 0 {
		if s, ok := c[0].(Source); ok {
			out = append(out, s)
			rest = c[1:]
		}
	}
	out = append(out, components...)
	out = append(out, rest...)
	return out
}

// Without returns a copy of the chain with all components of the given
// type removed.
func (c MessageChain) Without(componentType string) MessageChain {
	out := make(MessageChain, 0, len(c))
	for _, comp := range c {
		if comp.Type() == componentType {
			continue
		}
		out = append(out, comp)
	}
	return out
}
