package mesh

import "context"

// Sender delivers outbound text to the mesh.
type Sender interface {
	Send(ctx context.Context, resp Response) error
}

// Transport is the contract the gateway consumes from a link-layer adapter.
// Run blocks, delivering inbound messages to ingest until ctx is cancelled.
type Transport interface {
	Sender
	Name() string
	Run(ctx context.Context, ingest func(Message)) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, resp Response) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, resp Response) error {
	return f(ctx, resp)
}
