package mesh

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BroadcastActor is the destination used for channel-wide sends.
const BroadcastActor = "^all"

// Message is one inbound unit from the transport.
type Message struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Content   string    `json:"content"`
	Channel   int       `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	IsDirect  bool      `json:"is_direct"`
}

// NewMessage builds a Message with a fresh ID. A zero timestamp is replaced by now.
func NewMessage(actorID, content string, channel int, isDirect bool, at time.Time) Message {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Message{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Content:   content,
		Channel:   channel,
		Timestamp: at,
		IsDirect:  isDirect,
	}
}

// Normalized returns the content trimmed and lower-cased, the form used for matching.
func (m Message) Normalized() string {
	return strings.ToLower(strings.TrimSpace(m.Content))
}

// Context is passed to every handler invocation.
type Context struct {
	ActorID   string
	Channel   int
	IsDirect  bool
	Timestamp time.Time
	Message   *Message
}

// ContextFor builds the dispatch context for msg.
func ContextFor(msg *Message) Context {
	return Context{
		ActorID:   msg.ActorID,
		Channel:   msg.Channel,
		IsDirect:  msg.IsDirect,
		Timestamp: msg.Timestamp,
		Message:   msg,
	}
}

// Response is one reply produced for an inbound message.
type Response struct {
	Plugin  string `json:"plugin"`
	Handler string `json:"handler"`
	Text    string `json:"text"`
	// To is the destination actor; BroadcastActor sends to the whole channel.
	To      string `json:"to"`
	Channel int    `json:"channel"`
}

// ReplyTo builds a Response addressed the way the message arrived: direct
// messages are answered directly, channel messages on the channel.
func ReplyTo(msg *Message, plugin, handler, text string) Response {
	to := BroadcastActor
	if msg.IsDirect {
		to = msg.ActorID
	}
	return Response{
		Plugin:  plugin,
		Handler: handler,
		Text:    text,
		To:      to,
		Channel: msg.Channel,
	}
}

// IsBroadcast reports whether the response targets the whole channel.
func (r Response) IsBroadcast() bool {
	return r.To == "" || r.To == BroadcastActor
}
