package protocol

import "time"

// Version is the exec plugin protocol version.
const Version = 1

// Op names the lifecycle hook or invocation a request carries.
type Op string

const (
	OpInitialize Op = "initialize"
	OpStart      Op = "start"
	OpStop       Op = "stop"
	OpCleanup    Op = "cleanup"
	OpHealth     Op = "health"
	OpHandle     Op = "handle"
	OpTask       Op = "task"
)

// Request is the envelope written to an exec plugin's stdin.
type Request struct {
	Protocol   int             `json:"protocol"`
	Op         Op              `json:"op"`
	Plugin     string          `json:"plugin"`
	Handler    string          `json:"handler,omitempty"` // handle: registration name; task: task name
	Args       []string        `json:"args,omitempty"`
	Context    *MessageContext `json:"context,omitempty"` // only for handle
	Config     map[string]any  `json:"config"`
	State      map[string]any  `json:"state"`
	DeadlineAt time.Time       `json:"deadline_at"`
}

// MessageContext is the dispatch context for a handle request.
type MessageContext struct {
	MessageID string    `json:"message_id"`
	ActorID   string    `json:"actor_id"`
	Channel   int       `json:"channel"`
	IsDirect  bool      `json:"is_direct"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// Response is the envelope read from an exec plugin's stdout.
type Response struct {
	Status       string         `json:"status"` // ok | error
	Error        string         `json:"error,omitempty"`
	Text         string         `json:"text,omitempty"`
	Stop         bool           `json:"stop,omitempty"`
	Sends        []Send         `json:"sends,omitempty"`
	StateUpdates map[string]any `json:"state_updates,omitempty"`
	Logs         []LogEntry     `json:"logs,omitempty"`
}

// Send is an outbound message requested by a plugin. An empty To broadcasts.
type Send struct {
	To      string `json:"to,omitempty"`
	Channel int    `json:"channel"`
	Text    string `json:"text"`
}

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// OK reports whether the plugin signalled success.
func (r *Response) OK() bool {
	return r != nil && r.Status == StatusOK
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// FrameType distinguishes mesh bridge frames.
type FrameType string

const (
	// FrameRX carries a message received from the mesh.
	FrameRX FrameType = "rx"
	// FrameTX carries a message to transmit on the mesh.
	FrameTX FrameType = "tx"
	// FrameAck confirms a TX frame.
	FrameAck FrameType = "ack"
	// FrameError reports a bridge-side failure.
	FrameError FrameType = "error"
)

// Frame is one JSON message on the mesh bridge websocket.
type Frame struct {
	Type      FrameType `json:"type"`
	ID        string    `json:"id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Channel   int       `json:"channel"`
	Text      string    `json:"text,omitempty"`
	Direct    bool      `json:"direct,omitempty"`
	Timestamp time.Time `json:"ts,omitempty"`
	Error     string    `json:"error,omitempty"`
}
