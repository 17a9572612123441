package domain

// Platform message kinds.
const (
	MsgTypeText     = "text"
	MsgTypeVoice    = "voice"
	MsgTypeImage    = "image"
	MsgTypeLocation = "location"
	MsgTypeLink     = "link"
	MsgTypeEvent    = "event"
)

// Platform event kinds.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

// InboundMessage is the canonical record of one message pushed by the
// platform, independent of its XML wire format.
type InboundMessage struct {
	ToUser      string
	FromUser    string
	CreateTime  int64
	MsgType     string
	MsgID       string
	Content     string
	Recognition string
	MediaID     string
	PicURL      string
	LocationX   string
	LocationY   string
	Scale       string
	Label       string
	Title       string
	Description string
	URL         string
	Event       string
	EventKey    string
}

// IsEvent reports whether the message is the given event kind.
func (m InboundMessage) IsEvent(event string) bool {
	return m.MsgType == MsgTypeEvent && m.Event == event
}
