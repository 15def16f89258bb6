package message

// Friend is a direct-message sender.
type Friend struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
	Remark   string `json:"remark,omitempty"`
}

// Group is a chat group.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// GroupMember is a sender inside a group.
type GroupMember struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
	Group    Group  `json:"group"`
}

// Event is an inbound platform event carrying a message chain. The two
// concrete kinds are FriendMessage and GroupMessage.
type Event interface {
	// EventType returns "FriendMessage" or "GroupMessage".
	EventType() string

	// Chain returns the message chain carried by the event.
	Chain() MessageChain

	// SenderID returns the platform id of the message sender.
	SenderID() string

	// LauncherID returns the id of the conversation launcher: the
	// sender for direct messages, the group for group messages.
	LauncherID() string

	// Timestamp returns the event time in unix seconds.
	Timestamp() int64

	// PlatformObject returns the opaque native payload retained for
	// reply-context reconstruction. May be nil.
	PlatformObject() any
}

// FriendMessage is a direct message from a friend.
type FriendMessage struct {
	Sender       Friend       `json:"sender"`
	MessageChain MessageChain `json:"message_chain"`
	Time         int64        `json:"time"`

	// SourcePlatformObject is the adapter's native event, kept so the
	// converter can rebuild reply context. Never serialized.
	SourcePlatformObject any `json:"-"`
}

func (e *FriendMessage) EventType() string   { return "FriendMessage" }
func (e *FriendMessage) Chain() MessageChain { return e.MessageChain }
func (e *FriendMessage) SenderID() string    { return e.Sender.ID }
func (e *FriendMessage) LauncherID() string  { return e.Sender.ID }
func (e *FriendMessage) Timestamp() int64    { return e.Time }
func (e *FriendMessage) PlatformObject() any { return e.SourcePlatformObject }

// GroupMessage is a message sent in a group.
type GroupMessage struct {
	Sender       GroupMember  `json:"sender"`
	MessageChain MessageChain `json:"message_chain"`
	Time         int64        `json:"time"`

	SourcePlatformObject any `json:"-"`
}

func (e *GroupMessage) EventType() string   { return "GroupMessage" }
func (e *GroupMessage) Chain() MessageChain { return e.MessageChain }
func (e *GroupMessage) SenderID() string    { return e.Sender.ID }
func (e *GroupMessage) LauncherID() string  { return e.Sender.Group.ID }
func (e *GroupMessage) Timestamp() int64    { return e.Time }
func (e *GroupMessage) PlatformObject() any { return e.SourcePlatformObject }

// SenderName returns the display name of an event's sender, or empty
// when the platform did not provide one.
func SenderName(e Event) string {
	switch v := e.(type) {
	case *FriendMessage:
		return v.Sender.Nickname
	case *GroupMessage:
		return v.Sender.Nickname
	default:
		return ""
	}
}
