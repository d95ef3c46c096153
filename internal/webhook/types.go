package webhook

import (
	"time"

	"github.com/mattjoyce/meshgate/internal/mesh"
)

// Sink receives verified messages. A non-nil error means the message was
// not accepted.
type Sink interface {
	Submit(msg mesh.Message) error
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single ingest endpoint.
type EndpointConfig struct {
	Path            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
	// Channel applies when the payload names none.
	Channel int
}

// Payload is the accepted request body.
type Payload struct {
	ActorID   string    `json:"actor_id"`
	Content   string    `json:"content"`
	Channel   *int      `json:"channel,omitempty"`
	IsDirect  bool      `json:"is_direct"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// AcceptedResponse is returned with 202.
type AcceptedResponse struct {
	MessageID string `json:"message_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 64 << 10
	DefaultSignatureHeader = "X-Meshgate-Signature"
)
