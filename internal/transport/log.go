package transport

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/meshgate/internal/mesh"
)

// Log is a receive-nothing transport that logs outbound responses.
type Log struct {
	logger *slog.Logger
}

var _ mesh.Transport = (*Log)(nil)

// NewLog creates a Log transport.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

// Run blocks until ctx is cancelled.
func (l *Log) Run(ctx context.Context, _ func(mesh.Message)) error {
	<-ctx.Done()
	return nil
}

func (l *Log) Send(_ context.Context, resp mesh.Response) error {
	l.logger.Info("outbound response",
		"to", resp.To,
		"channel", resp.Channel,
		"plugin", resp.Plugin,
		"handler", resp.Handler,
		"text", resp.Text,
	)
	return nil
}
